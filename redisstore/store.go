package redisstore

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/driftdoc/collab"
)

// Store is a Redis-backed storage adapter. The update log and the
// pending-sync list are Redis lists; the snapshot and the metadata record
// are plain keys. List replacement runs in a transaction pipeline so a
// reader never observes a half-replaced pending list.

type metaRecord struct {
	SnapshotGeneration       uint64 `json:"snapshotGeneration"`
	SyncedSnapshotGeneration uint64 `json:"syncedSnapshotGeneration"`
	Checkpoint               string `json:"checkpoint,omitempty"`
	HasSnapshot              bool   `json:"hasSnapshot,omitempty"`
}

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

func New(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "collab"
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (self *Store) logKey(docId string) string {
	return fmt.Sprintf("%s:log:%s", self.keyPrefix, docId)
}

func (self *Store) pendingKey(docId string) string {
	return fmt.Sprintf("%s:pending:%s", self.keyPrefix, docId)
}

func (self *Store) snapshotKey(docId string) string {
	return fmt.Sprintf("%s:snap:%s", self.keyPrefix, docId)
}

func (self *Store) metaKey(docId string) string {
	return fmt.Sprintf("%s:meta:%s", self.keyPrefix, docId)
}

func (self *Store) readMeta(ctx context.Context, docId string) (*metaRecord, bool, error) {
	raw, err := self.client.Get(ctx, self.metaKey(docId)).Bytes()
	if err == redis.Nil {
		return &metaRecord{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	record := &metaRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, false, fmt.Errorf("corrupt meta record for %s: %w", docId, err)
	}
	return record, true, nil
}

func (self *Store) writeMeta(ctx context.Context, docId string, record *metaRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, self.metaKey(docId), raw, 0).Err()
}

func (self *Store) readList(ctx context.Context, key string) ([][]byte, bool, error) {
	values, err := self.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 {
		exists, err := self.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, false, err
		}
		return [][]byte{}, 0 < exists, nil
	}
	list := make([][]byte, len(values))
	for i, value := range values {
		list[i] = []byte(value)
	}
	return list, true, nil
}

// collab.StorageAdapter implementation

func (self *Store) GetUpdates(ctx context.Context, docId string) ([][]byte, error) {
	updates, exists, err := self.readList(ctx, self.logKey(docId))
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, known, err := self.readMeta(ctx, docId); err != nil {
			return nil, err
		} else if !known {
			return nil, nil
		}
	}
	return updates, nil
}

func (self *Store) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	pipe := self.client.TxPipeline()
	pipe.RPush(ctx, self.logKey(docId), update)
	pipe.SetNX(ctx, self.metaKey(docId), []byte("{}"), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (self *Store) Remove(ctx context.Context, docId string) error {
	return self.client.Del(
		ctx,
		self.logKey(docId),
		self.pendingKey(docId),
		self.snapshotKey(docId),
		self.metaKey(docId),
	).Err()
}

// optional capabilities

func (self *Store) GetSnapshot(ctx context.Context, docId string) (*collab.SnapshotRecord, error) {
	meta, known, err := self.readMeta(ctx, docId)
	if err != nil {
		return nil, err
	}
	if !known || (!meta.HasSnapshot && meta.SnapshotGeneration == 0) {
		return nil, nil
	}
	record := &collab.SnapshotRecord{
		SnapshotGeneration:       meta.SnapshotGeneration,
		SyncedSnapshotGeneration: meta.SyncedSnapshotGeneration,
	}
	snapshot, err := self.client.Get(ctx, self.snapshotKey(docId)).Bytes()
	if err == nil {
		record.Snapshot = snapshot
	} else if err != redis.Nil {
		return nil, err
	}
	return record, nil
}

func (self *Store) SetSnapshot(ctx context.Context, docId string, snapshot []byte) error {
	meta, _, err := self.readMeta(ctx, docId)
	if err != nil {
		return err
	}
	meta.SnapshotGeneration += 1
	meta.HasSnapshot = true
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	pipe := self.client.TxPipeline()
	pipe.Set(ctx, self.snapshotKey(docId), snapshot, 0)
	pipe.Set(ctx, self.metaKey(docId), raw, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (self *Store) GetPendingSync(ctx context.Context, docId string) ([][]byte, error) {
	pending, exists, err := self.readList(ctx, self.pendingKey(docId))
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, known, err := self.readMeta(ctx, docId); err != nil {
			return nil, err
		} else if !known {
			return nil, nil
		}
	}
	return pending, nil
}

func (self *Store) MarkPendingSync(ctx context.Context, docId string, updates [][]byte) error {
	pipe := self.client.TxPipeline()
	pipe.Del(ctx, self.pendingKey(docId))
	for _, update := range updates {
		pipe.RPush(ctx, self.pendingKey(docId), update)
	}
	pipe.SetNX(ctx, self.metaKey(docId), []byte("{}"), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (self *Store) ClearPendingSync(ctx context.Context, docId string) error {
	return self.client.Del(ctx, self.pendingKey(docId)).Err()
}

func (self *Store) MarkSnapshotSynced(ctx context.Context, docId string, generation uint64) error {
	meta, _, err := self.readMeta(ctx, docId)
	if err != nil {
		return err
	}
	if meta.SnapshotGeneration < generation {
		generation = meta.SnapshotGeneration
	}
	if generation <= meta.SyncedSnapshotGeneration {
		return nil
	}
	meta.SyncedSnapshotGeneration = generation
	return self.writeMeta(ctx, docId, meta)
}

func (self *Store) GetSyncCheckpoint(ctx context.Context, docId string) (string, error) {
	meta, _, err := self.readMeta(ctx, docId)
	if err != nil {
		return "", err
	}
	return meta.Checkpoint, nil
}

func (self *Store) SetSyncCheckpoint(ctx context.Context, docId string, checkpoint string) error {
	meta, _, err := self.readMeta(ctx, docId)
	if err != nil {
		return err
	}
	meta.Checkpoint = checkpoint
	return self.writeMeta(ctx, docId, meta)
}
