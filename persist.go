package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// SnapshotEvery is the snapshot cadence policy. A zero field disables that
// threshold. Snapshots are bootstrap hints; the update log is never
// truncated.
type SnapshotEvery struct {
	Updates uint64
	Bytes   ByteCount
}

func (self *SnapshotEvery) met(updates uint64, bytes ByteCount) bool {
	if 0 < self.Updates && self.Updates <= updates {
		return true
	}
	if 0 < self.Bytes && self.Bytes <= bytes {
		return true
	}
	return false
}

// warnOnce logs a single warning per missing optional storage method per
// runtime, then stays quiet while the runtime proceeds with in-memory-only
// behavior for that feature. The set is not keyed on the adapter: two
// runtimes over the same adapter instance each warn once.
type warnOnce struct {
	mutex  sync.Mutex
	warned map[string]bool
}

func newWarnOnce() *warnOnce {
	return &warnOnce{
		warned: map[string]bool{},
	}
}

func (self *warnOnce) Warn(method string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.warned[method] {
		return
	}
	self.warned[method] = true
	glog.Warningf("Storage adapter does not implement %s. Proceeding with in-memory state for this feature.\n", method)
}

type hydratedState struct {
	// encoded, as stored
	snapshot []byte
	updates  [][]byte
	pending  [][]byte
	brandNew bool
}

// persistenceCoordinator owns the durable state of one document: the
// update log, the snapshot record with its generations, the pending-sync
// list, and the sync checkpoint. All blobs it holds or hands to storage
// are codec-encoded.
type persistenceCoordinator struct {
	ctx   context.Context
	docId string

	storage  StorageAdapter
	codec    Codec
	warnOnce *warnOnce
	crdt     CrdtHandle

	snapshotEvery SnapshotEvery

	stateLock                sync.Mutex
	updatesSinceSnapshot     uint64
	bytesSinceSnapshot       ByteCount
	snapshotGeneration       uint64
	syncedSnapshotGeneration uint64
	pendingSync              [][]byte
	checkpoint               string
}

func newPersistenceCoordinator(
	ctx context.Context,
	docId string,
	storage StorageAdapter,
	codec Codec,
	warnOnce *warnOnce,
	crdt CrdtHandle,
	snapshotEvery SnapshotEvery,
) *persistenceCoordinator {
	return &persistenceCoordinator{
		ctx:           ctx,
		docId:         docId,
		storage:       storage,
		codec:         codec,
		warnOnce:      warnOnce,
		crdt:          crdt,
		snapshotEvery: snapshotEvery,
		pendingSync:   [][]byte{},
	}
}

// Hydrate assembles the stored state. All three reads happen; a missing
// optional getter reads as empty. Brand-new means no snapshot record, an
// unknown update log, and no pending entries.
func (self *persistenceCoordinator) Hydrate() (*hydratedState, error) {
	state := &hydratedState{}

	var record *SnapshotRecord
	if snapshotStorage, ok := self.storage.(SnapshotStorage); ok {
		var err error
		record, err = snapshotStorage.GetSnapshot(self.ctx, self.docId)
		if err != nil {
			return nil, &StorageError{DocId: self.docId, Op: "get_snapshot", Err: err}
		}
	}

	updates, err := self.storage.GetUpdates(self.ctx, self.docId)
	if err != nil {
		return nil, &StorageError{DocId: self.docId, Op: "get_updates", Err: err}
	}

	var pending [][]byte
	if pendingStorage, ok := self.storage.(PendingSyncStorage); ok {
		pending, err = pendingStorage.GetPendingSync(self.ctx, self.docId)
		if err != nil {
			return nil, &StorageError{DocId: self.docId, Op: "get_pending_sync", Err: err}
		}
	}

	if checkpointStorage, ok := self.storage.(CheckpointStorage); ok {
		checkpoint, err := checkpointStorage.GetSyncCheckpoint(self.ctx, self.docId)
		if err != nil {
			return nil, &StorageError{DocId: self.docId, Op: "get_sync_checkpoint", Err: err}
		}
		self.checkpoint = checkpoint
	}

	self.stateLock.Lock()
	if record != nil {
		state.snapshot = record.Snapshot
		self.snapshotGeneration = record.SnapshotGeneration
		self.syncedSnapshotGeneration = record.SyncedSnapshotGeneration
		if self.snapshotGeneration < self.syncedSnapshotGeneration {
			// a buggy adapter must not break the generation invariant
			self.syncedSnapshotGeneration = self.snapshotGeneration
		}
	}
	self.pendingSync = copyBytesList(pending)
	if self.pendingSync == nil {
		self.pendingSync = [][]byte{}
	}
	self.stateLock.Unlock()

	state.updates = updates
	state.pending = self.PendingSync()
	state.brandNew = record == nil && updates == nil && len(pending) == 0
	return state, nil
}

// Append persists one already-encoded update, optionally records it in
// the pending-sync list, advances the counters, and takes a snapshot when
// the cadence policy says so.
func (self *persistenceCoordinator) Append(encoded []byte, markPending bool) error {
	if err := self.storage.AppendUpdate(self.ctx, self.docId, copyBytes(encoded)); err != nil {
		return &StorageError{DocId: self.docId, Op: "append_update", Err: err}
	}

	if markPending {
		self.stateLock.Lock()
		nextPending := append(copyBytesList(self.pendingSync), copyBytes(encoded))
		self.pendingSync = nextPending
		self.stateLock.Unlock()
		if err := self.persistPending(nextPending); err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	self.updatesSinceSnapshot += 1
	self.bytesSinceSnapshot += ByteCount(len(encoded))
	self.stateLock.Unlock()

	return self.MaybeSnapshot()
}

// MaybeSnapshot consults the cadence policy and stores a fresh full-state
// snapshot when a threshold is met.
func (self *persistenceCoordinator) MaybeSnapshot() error {
	self.stateLock.Lock()
	met := self.snapshotEvery.met(self.updatesSinceSnapshot, self.bytesSinceSnapshot)
	self.stateLock.Unlock()
	if !met {
		return nil
	}
	return self.StoreSnapshot(self.crdt.EncodeStateAsUpdate(), false, true)
}

// StoreSnapshot writes the snapshot record and bumps the generation. With
// markSynced it also advances the synced generation to match.
func (self *persistenceCoordinator) StoreSnapshot(raw []byte, markSynced bool, resetCounters bool) error {
	encoded, err := self.codec.Encode(raw)
	if err != nil {
		return &DecodeError{DocId: self.docId, Err: err}
	}

	if snapshotStorage, ok := self.storage.(SnapshotStorage); ok {
		if err := snapshotStorage.SetSnapshot(self.ctx, self.docId, encoded); err != nil {
			return &StorageError{DocId: self.docId, Op: "set_snapshot", Err: err}
		}
	} else {
		self.warnOnce.Warn("SetSnapshot")
	}

	self.stateLock.Lock()
	self.snapshotGeneration += 1
	generation := self.snapshotGeneration
	if resetCounters {
		self.updatesSinceSnapshot = 0
		self.bytesSinceSnapshot = 0
	}
	self.stateLock.Unlock()

	if markSynced {
		return self.SetSyncedGeneration(generation)
	}
	return nil
}

// SetSyncedGeneration advances the synced snapshot generation,
// monotone-max, capped at the current snapshot generation.
func (self *persistenceCoordinator) SetSyncedGeneration(generation uint64) error {
	self.stateLock.Lock()
	if self.snapshotGeneration < generation {
		generation = self.snapshotGeneration
	}
	if self.syncedSnapshotGeneration < generation {
		self.syncedSnapshotGeneration = generation
	} else {
		generation = self.syncedSnapshotGeneration
	}
	self.stateLock.Unlock()

	if syncedStorage, ok := self.storage.(SnapshotSyncedStorage); ok {
		if err := syncedStorage.MarkSnapshotSynced(self.ctx, self.docId, generation); err != nil {
			return &StorageError{DocId: self.docId, Op: "mark_snapshot_synced", Err: err}
		}
	} else {
		self.warnOnce.Warn("MarkSnapshotSynced")
	}
	return nil
}

// ClearPendingPrefix drops the first n pending entries and persists the
// remainder. On a storage failure the in-memory list is left as it was.
func (self *persistenceCoordinator) ClearPendingPrefix(n int) error {
	self.stateLock.Lock()
	if len(self.pendingSync) < n {
		n = len(self.pendingSync)
	}
	nextPending := copyBytesList(self.pendingSync[n:])
	self.stateLock.Unlock()

	if err := self.persistPending(nextPending); err != nil {
		return err
	}
	self.stateLock.Lock()
	self.pendingSync = nextPending
	self.stateLock.Unlock()
	return nil
}

func (self *persistenceCoordinator) persistPending(pending [][]byte) error {
	if len(pending) == 0 {
		if clearStorage, ok := self.storage.(ClearPendingSyncStorage); ok {
			if err := clearStorage.ClearPendingSync(self.ctx, self.docId); err != nil {
				return &StorageError{DocId: self.docId, Op: "clear_pending_sync", Err: err}
			}
			return nil
		}
	}
	if pendingStorage, ok := self.storage.(PendingSyncStorage); ok {
		if err := pendingStorage.MarkPendingSync(self.ctx, self.docId, pending); err != nil {
			return &StorageError{DocId: self.docId, Op: "mark_pending_sync", Err: err}
		}
		return nil
	}
	self.warnOnce.Warn("MarkPendingSync")
	return nil
}

func (self *persistenceCoordinator) SetCheckpoint(checkpoint string) error {
	if checkpoint == "" {
		return nil
	}
	self.stateLock.Lock()
	self.checkpoint = checkpoint
	self.stateLock.Unlock()

	if checkpointStorage, ok := self.storage.(CheckpointStorage); ok {
		if err := checkpointStorage.SetSyncCheckpoint(self.ctx, self.docId, checkpoint); err != nil {
			return &StorageError{DocId: self.docId, Op: "set_sync_checkpoint", Err: err}
		}
	}
	return nil
}

func (self *persistenceCoordinator) Checkpoint() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.checkpoint
}

func (self *persistenceCoordinator) PendingSync() [][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyBytesList(self.pendingSync)
}

func (self *persistenceCoordinator) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingSync)
}

func (self *persistenceCoordinator) PendingHead() ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.pendingSync) == 0 {
		return nil, false
	}
	return copyBytes(self.pendingSync[0]), true
}

func (self *persistenceCoordinator) Generations() (snapshotGeneration uint64, syncedSnapshotGeneration uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshotGeneration, self.syncedSnapshotGeneration
}

func (self *persistenceCoordinator) Remove() error {
	if err := self.storage.Remove(self.ctx, self.docId); err != nil {
		return &StorageError{DocId: self.docId, Op: "remove", Err: err}
	}
	self.stateLock.Lock()
	self.pendingSync = [][]byte{}
	self.snapshotGeneration = 0
	self.syncedSnapshotGeneration = 0
	self.updatesSinceSnapshot = 0
	self.bytesSinceSnapshot = 0
	self.checkpoint = ""
	self.stateLock.Unlock()
	return nil
}
