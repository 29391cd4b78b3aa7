package collab

import (
	"context"
)

// syncOrchestrator drives the pull/push protocol for one document. Every
// entry point here runs inside the document's serializer, so at most one
// of these operations is in flight per document.
type syncOrchestrator struct {
	ctx   context.Context
	docId string

	adapter SyncAdapter
	persist *persistenceCoordinator
	crdt    CrdtHandle
	codec   Codec
	events  *eventBus
	onError func(error)

	// snapshot_sync.send: when false, only the first snapshot is sent
	sendSnapshots  bool
	pullBeforePush bool

	// called after remote bytes were merged into the replica
	refreshView func()
}

// Pull sends the supplied state vector (nil for a brand-new document's
// snapshot request) and merges whatever comes back with the SYNC origin.
// Returns the number of blobs applied.
func (self *syncOrchestrator) Pull(stateVector []byte, requestSnapshot bool) (int, error) {
	self.emitPull(SyncPhaseStart, requestSnapshot, 0, nil)

	result, err := self.adapter.Pull(self.ctx, &PullRequest{
		DocId:           self.docId,
		StateVector:     stateVector,
		RequestSnapshot: requestSnapshot,
		LastSynced:      self.persist.Checkpoint(),
	})
	if err != nil {
		transportErr := &SyncTransportError{DocId: self.docId, Direction: SyncDirectionPull, Err: err}
		self.emitPull(SyncPhaseError, requestSnapshot, 0, transportErr)
		return 0, transportErr
	}

	applied := 0
	var byteCount ByteCount
	if result != nil {
		if result.Snapshot != nil {
			byteCount += ByteCount(len(result.Snapshot))
			if self.applyRemote(result.Snapshot) {
				applied += 1
			}
		}
		for _, update := range result.Updates {
			byteCount += ByteCount(len(update))
			if self.applyRemote(update) {
				applied += 1
			}
		}
		if err := self.persist.SetCheckpoint(result.DateLastSynced); err != nil {
			self.emitPull(SyncPhaseError, requestSnapshot, byteCount, err)
			return applied, err
		}
	}
	if 0 < applied {
		self.refreshView()
	}

	self.emitPull(SyncPhaseSuccess, requestSnapshot, byteCount, nil)
	return applied, nil
}

// decodes one wire blob and merges it with the SYNC origin.
// a decode failure discards the blob and leaves local state untouched.
func (self *syncOrchestrator) applyRemote(encoded []byte) bool {
	raw, err := self.codec.Decode(encoded)
	if err != nil {
		self.onError(&DecodeError{DocId: self.docId, Err: err})
		return false
	}
	if err := self.crdt.ApplyUpdate(raw, originSync); err != nil {
		self.onError(&DecodeError{DocId: self.docId, Err: err})
		return false
	}
	return true
}

// SyncSnapshotIfNeeded is the snapshot-sync handshake. A document that has
// never snapshotted takes one first; then any generation the server has
// not seen is pushed, unless the policy suppresses re-sends.
func (self *syncOrchestrator) SyncSnapshotIfNeeded() error {
	generation, syncedGeneration := self.persist.Generations()
	if generation == 0 {
		if err := self.persist.StoreSnapshot(self.crdt.EncodeStateAsUpdate(), false, true); err != nil {
			return err
		}
		generation, syncedGeneration = self.persist.Generations()
	}
	if generation <= syncedGeneration {
		return nil
	}
	if !self.sendSnapshots && 0 < syncedGeneration {
		// the first snapshot always goes out; later bumps are suppressed
		return nil
	}

	encoded, err := self.codec.Encode(self.crdt.EncodeStateAsUpdate())
	if err != nil {
		return &DecodeError{DocId: self.docId, Err: err}
	}

	self.emitPush(SyncPhaseStart, true, ByteCount(len(encoded)), nil)
	result, err := self.adapter.Push(self.ctx, &PushRequest{
		DocId:      self.docId,
		Update:     encoded,
		IsSnapshot: true,
		LastSynced: self.persist.Checkpoint(),
	})
	if err != nil {
		transportErr := &SyncTransportError{DocId: self.docId, Direction: SyncDirectionPush, Err: err}
		self.emitPush(SyncPhaseError, true, ByteCount(len(encoded)), transportErr)
		return transportErr
	}
	if result != nil {
		if err := self.persist.SetCheckpoint(result.DateLastSynced); err != nil {
			return err
		}
	}
	if err := self.persist.SetSyncedGeneration(generation); err != nil {
		return err
	}
	self.emitPush(SyncPhaseSuccess, true, ByteCount(len(encoded)), nil)
	return nil
}

// PushHead pushes the oldest pending entry and, on success, drops it from
// the pending list. A transport failure leaves the entry at the head for
// a later retry.
func (self *syncOrchestrator) PushHead() error {
	head, ok := self.persist.PendingHead()
	if !ok {
		return nil
	}

	self.emitPush(SyncPhaseStart, false, ByteCount(len(head)), nil)
	result, err := self.adapter.Push(self.ctx, &PushRequest{
		DocId:      self.docId,
		Update:     head,
		IsSnapshot: false,
		LastSynced: self.persist.Checkpoint(),
	})
	if err != nil {
		transportErr := &SyncTransportError{DocId: self.docId, Direction: SyncDirectionPush, Err: err}
		self.emitPush(SyncPhaseError, false, ByteCount(len(head)), transportErr)
		return transportErr
	}
	if result != nil {
		if err := self.persist.SetCheckpoint(result.DateLastSynced); err != nil {
			return err
		}
	}
	if err := self.persist.ClearPendingPrefix(1); err != nil {
		return err
	}
	self.emitPush(SyncPhaseSuccess, false, ByteCount(len(head)), nil)
	return nil
}

// PushOutgoing is the outgoing local update sequence: pull-before-push,
// the snapshot handshake, then one pending push.
func (self *syncOrchestrator) PushOutgoing() error {
	if self.pullBeforePush {
		if _, err := self.Pull(self.crdt.StateVector(), false); err != nil {
			return err
		}
	}
	if err := self.SyncSnapshotIfNeeded(); err != nil {
		return err
	}
	return self.PushHead()
}

// DrainPending runs the snapshot handshake, then pushes pending entries
// oldest-first until the list is empty.
func (self *syncOrchestrator) DrainPending() error {
	if err := self.SyncSnapshotIfNeeded(); err != nil {
		return err
	}
	for 0 < self.persist.PendingCount() {
		if err := self.PushHead(); err != nil {
			return err
		}
	}
	return nil
}

func (self *syncOrchestrator) emitPull(phase SyncPhase, requestSnapshot bool, byteCount ByteCount, err error) {
	self.events.Emit(&SyncEvent{
		DocId:           self.docId,
		Direction:       SyncDirectionPull,
		Phase:           phase,
		RequestSnapshot: requestSnapshot,
		ByteCount:       byteCount,
		Err:             err,
	})
}

func (self *syncOrchestrator) emitPush(phase SyncPhase, isSnapshot bool, byteCount ByteCount, err error) {
	self.events.Emit(&SyncEvent{
		DocId:      self.docId,
		Direction:  SyncDirectionPush,
		Phase:      phase,
		IsSnapshot: isSnapshot,
		ByteCount:  byteCount,
		Err:        err,
	})
}
