package collab

import (
	"context"
	"sync"
)

// MemStorage is the full-capability in-memory storage adapter. It backs
// tests and short-lived runtimes; the durable adapters live in
// boltstore/, redisstore/, and pgstore/.
type memRecord struct {
	snapshot                 []byte
	hasSnapshot              bool
	snapshotGeneration       uint64
	syncedSnapshotGeneration uint64
	updates                  [][]byte
	pending                  [][]byte
	checkpoint               string
}

type MemStorage struct {
	mutex   sync.Mutex
	records map[string]*memRecord
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		records: map[string]*memRecord{},
	}
}

// must be called with mutex held
func (self *MemStorage) record(docId string) *memRecord {
	record, ok := self.records[docId]
	if !ok {
		record = &memRecord{
			updates: [][]byte{},
			pending: [][]byte{},
		}
		self.records[docId] = record
	}
	return record
}

func (self *MemStorage) GetUpdates(ctx context.Context, docId string) ([][]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[docId]
	if !ok {
		return nil, nil
	}
	return copyBytesList(record.updates), nil
}

func (self *MemStorage) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record := self.record(docId)
	record.updates = append(record.updates, copyBytes(update))
	return nil
}

func (self *MemStorage) Remove(ctx context.Context, docId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.records, docId)
	return nil
}

func (self *MemStorage) GetSnapshot(ctx context.Context, docId string) (*SnapshotRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[docId]
	if !ok || (!record.hasSnapshot && record.snapshotGeneration == 0) {
		return nil, nil
	}
	return &SnapshotRecord{
		Snapshot:                 copyBytes(record.snapshot),
		SnapshotGeneration:       record.snapshotGeneration,
		SyncedSnapshotGeneration: record.syncedSnapshotGeneration,
	}, nil
}

func (self *MemStorage) SetSnapshot(ctx context.Context, docId string, snapshot []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record := self.record(docId)
	record.snapshot = copyBytes(snapshot)
	record.hasSnapshot = true
	record.snapshotGeneration += 1
	return nil
}

func (self *MemStorage) GetPendingSync(ctx context.Context, docId string) ([][]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[docId]
	if !ok {
		return nil, nil
	}
	return copyBytesList(record.pending), nil
}

func (self *MemStorage) MarkPendingSync(ctx context.Context, docId string, updates [][]byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record := self.record(docId)
	record.pending = copyBytesList(updates)
	if record.pending == nil {
		record.pending = [][]byte{}
	}
	return nil
}

func (self *MemStorage) ClearPendingSync(ctx context.Context, docId string) error {
	return self.MarkPendingSync(ctx, docId, nil)
}

func (self *MemStorage) MarkSnapshotSynced(ctx context.Context, docId string, generation uint64) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record := self.record(docId)
	if record.snapshotGeneration < generation {
		generation = record.snapshotGeneration
	}
	if record.syncedSnapshotGeneration < generation {
		record.syncedSnapshotGeneration = generation
	}
	return nil
}

func (self *MemStorage) GetSyncCheckpoint(ctx context.Context, docId string) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[docId]
	if !ok {
		return "", nil
	}
	return record.checkpoint, nil
}

func (self *MemStorage) SetSyncCheckpoint(ctx context.Context, docId string, checkpoint string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.record(docId).checkpoint = checkpoint
	return nil
}
