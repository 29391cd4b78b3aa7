package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/driftdoc/collab"
)

// Store is a bbolt-backed storage adapter with the full capability set.
// Layout: a meta bucket with one JSON record per document, a snapshots
// bucket, and per-document nested buckets for the update log and the
// pending-sync list, keyed by big-endian sequence.

var bucketMeta = []byte("meta")
var bucketSnapshots = []byte("snapshots")
var bucketUpdates = []byte("updates")
var bucketPending = []byte("pending")

type metaRecord struct {
	SnapshotGeneration       uint64 `json:"snapshotGeneration"`
	SyncedSnapshotGeneration uint64 `json:"syncedSnapshotGeneration"`
	Checkpoint               string `json:"checkpoint,omitempty"`
	HasSnapshot              bool   `json:"hasSnapshot,omitempty"`
}

type Store struct {
	db *bolt.DB
}

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketSnapshots, bucketUpdates, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db: db,
	}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// must be called inside a transaction
func readMeta(tx *bolt.Tx, docId string) (*metaRecord, bool, error) {
	raw := tx.Bucket(bucketMeta).Get([]byte(docId))
	if raw == nil {
		return &metaRecord{}, false, nil
	}
	record := &metaRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, false, fmt.Errorf("corrupt meta record for %s: %w", docId, err)
	}
	return record, true, nil
}

func writeMeta(tx *bolt.Tx, docId string, record *metaRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put([]byte(docId), raw)
}

func readList(tx *bolt.Tx, bucket []byte, docId string) [][]byte {
	docBucket := tx.Bucket(bucket).Bucket([]byte(docId))
	if docBucket == nil {
		return nil
	}
	list := [][]byte{}
	docBucket.ForEach(func(k []byte, v []byte) error {
		entry := make([]byte, len(v))
		copy(entry, v)
		list = append(list, entry)
		return nil
	})
	return list
}

func replaceList(tx *bolt.Tx, bucket []byte, docId string, list [][]byte) error {
	parent := tx.Bucket(bucket)
	if parent.Bucket([]byte(docId)) != nil {
		if err := parent.DeleteBucket([]byte(docId)); err != nil {
			return err
		}
	}
	docBucket, err := parent.CreateBucket([]byte(docId))
	if err != nil {
		return err
	}
	for i, entry := range list {
		if err := docBucket.Put(sequenceKey(uint64(i)), entry); err != nil {
			return err
		}
	}
	return nil
}

// collab.StorageAdapter implementation

func (self *Store) GetUpdates(ctx context.Context, docId string) ([][]byte, error) {
	var updates [][]byte
	var known bool
	err := self.db.View(func(tx *bolt.Tx) error {
		_, known, _ = readMeta(tx, docId)
		updates = readList(tx, bucketUpdates, docId)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updates == nil {
		if !known {
			return nil, nil
		}
		return [][]byte{}, nil
	}
	return updates, nil
}

func (self *Store) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		docBucket, err := tx.Bucket(bucketUpdates).CreateBucketIfNotExists([]byte(docId))
		if err != nil {
			return err
		}
		seq, err := docBucket.NextSequence()
		if err != nil {
			return err
		}
		if err := docBucket.Put(sequenceKey(seq), update); err != nil {
			return err
		}
		record, _, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		return writeMeta(tx, docId, record)
	})
}

func (self *Store) Remove(ctx context.Context, docId string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Delete([]byte(docId)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshots).Delete([]byte(docId)); err != nil {
			return err
		}
		for _, bucket := range [][]byte{bucketUpdates, bucketPending} {
			if tx.Bucket(bucket).Bucket([]byte(docId)) != nil {
				if err := tx.Bucket(bucket).DeleteBucket([]byte(docId)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// optional capabilities

func (self *Store) GetSnapshot(ctx context.Context, docId string) (*collab.SnapshotRecord, error) {
	var record *collab.SnapshotRecord
	err := self.db.View(func(tx *bolt.Tx) error {
		meta, known, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		if !known || (!meta.HasSnapshot && meta.SnapshotGeneration == 0) {
			return nil
		}
		record = &collab.SnapshotRecord{
			SnapshotGeneration:       meta.SnapshotGeneration,
			SyncedSnapshotGeneration: meta.SyncedSnapshotGeneration,
		}
		if snapshot := tx.Bucket(bucketSnapshots).Get([]byte(docId)); snapshot != nil {
			record.Snapshot = make([]byte, len(snapshot))
			copy(record.Snapshot, snapshot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) SetSnapshot(ctx context.Context, docId string, snapshot []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put([]byte(docId), snapshot); err != nil {
			return err
		}
		record, _, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		record.SnapshotGeneration += 1
		record.HasSnapshot = true
		return writeMeta(tx, docId, record)
	})
}

func (self *Store) GetPendingSync(ctx context.Context, docId string) ([][]byte, error) {
	var pending [][]byte
	var known bool
	err := self.db.View(func(tx *bolt.Tx) error {
		_, known, _ = readMeta(tx, docId)
		pending = readList(tx, bucketPending, docId)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending == nil {
		if !known {
			return nil, nil
		}
		return [][]byte{}, nil
	}
	return pending, nil
}

func (self *Store) MarkPendingSync(ctx context.Context, docId string, updates [][]byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if err := replaceList(tx, bucketPending, docId, updates); err != nil {
			return err
		}
		record, _, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		return writeMeta(tx, docId, record)
	})
}

func (self *Store) ClearPendingSync(ctx context.Context, docId string) error {
	return self.MarkPendingSync(ctx, docId, nil)
}

func (self *Store) MarkSnapshotSynced(ctx context.Context, docId string, generation uint64) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		record, _, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		if record.SnapshotGeneration < generation {
			generation = record.SnapshotGeneration
		}
		if record.SyncedSnapshotGeneration < generation {
			record.SyncedSnapshotGeneration = generation
		}
		return writeMeta(tx, docId, record)
	})
}

func (self *Store) GetSyncCheckpoint(ctx context.Context, docId string) (string, error) {
	checkpoint := ""
	err := self.db.View(func(tx *bolt.Tx) error {
		record, _, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		checkpoint = record.Checkpoint
		return nil
	})
	return checkpoint, err
}

func (self *Store) SetSyncCheckpoint(ctx context.Context, docId string, checkpoint string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		record, _, err := readMeta(tx, docId)
		if err != nil {
			return err
		}
		record.Checkpoint = checkpoint
		return writeMeta(tx, docId, record)
	})
}
