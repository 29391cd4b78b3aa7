package collab

import (
	"errors"
	"sync"
)

// Origin tokens. Classification is by identity against these three
// unexported values; callers cannot forge them, and content inspection is
// never needed. Any other origin value - including nil and whatever a
// caller passes to Mutate - means local authorship.
type originToken struct {
	name string
}

func (self *originToken) String() string {
	return self.name
}

var (
	originStorage  = &originToken{name: "storage"}
	originSync     = &originToken{name: "sync"}
	originRealtime = &originToken{name: "realtime"}
)

type MutateOptions struct {
	// tagged onto the emitted update; visible to CRDT update handlers
	Origin any
}

type SyncOptions struct {
	Pull          bool
	Push          bool
	ForceSnapshot bool
}

// ManagedDocument is the per-document runtime state and the handle the
// registry returns from Open. One ManagedDocument exclusively owns its
// CRDT replica.
type ManagedDocument struct {
	runtime *Runtime
	docId   string

	crdt       CrdtHandle
	view       *ModelView
	persist    *persistenceCoordinator
	sync       *syncOrchestrator
	realtime   *realtimeCoordinator
	serializer *serializer

	detachCrdt    func()
	realtimeUnsub func()

	// holds local emit order stable across concurrent Mutate calls
	mutateLock sync.Mutex

	stateLock       sync.Mutex
	isBrandNew      bool
	removed         bool
	lastLocalFuture *Future
}

func newManagedDocument(runtime *Runtime, docId string, model Model) (*ManagedDocument, error) {
	settings := runtime.settings
	crdt := settings.NewCrdt(docId)
	persist := newPersistenceCoordinator(
		runtime.ctx,
		docId,
		runtime.storage,
		settings.Codec,
		runtime.warnOnce,
		crdt,
		settings.SnapshotEvery,
	)

	doc := &ManagedDocument{
		runtime:    runtime,
		docId:      docId,
		crdt:       crdt,
		persist:    persist,
		serializer: newSerializer(runtime.ctx),
	}

	// 1. assemble stored state
	state, err := persist.Hydrate()
	if err != nil {
		return nil, err
	}
	doc.isBrandNew = state.brandNew

	// 2. replay snapshot then log with the STORAGE origin
	if state.snapshot != nil {
		doc.applyStored(state.snapshot)
	}
	for _, update := range state.updates {
		doc.applyStored(update)
	}

	// 3. initial pull. a failed pull never blocks opening
	if settings.Sync != nil {
		doc.sync = &syncOrchestrator{
			ctx:            runtime.ctx,
			docId:          docId,
			adapter:        settings.Sync,
			persist:        persist,
			crdt:           crdt,
			codec:          settings.Codec,
			events:         runtime.events,
			onError:        runtime.onError,
			sendSnapshots:  settings.SendSnapshots,
			pullBeforePush: settings.PullBeforePush,
			refreshView: func() {
				doc.refreshView()
			},
		}
		if err := doc.fetchAndApplyFromSync(true); err != nil {
			runtime.onError(err)
		}
	}

	// 4. model view over the root container
	doc.view = newModelView(crdt.Root(), runtime.onError)
	if model != nil {
		model.Init(doc.view)
	}

	// 5. update handler
	doc.detachCrdt = crdt.OnUpdate(doc.handleCrdtUpdate)

	// 6. realtime subscription
	if settings.Realtime != nil {
		doc.realtime = newRealtimeCoordinator(runtime.ctx, docId, settings.Realtime)
		unsub, err := doc.realtime.Subscribe(doc.handleRealtimeInbound)
		if err != nil {
			runtime.onError(err)
			doc.realtime = nil
		} else {
			doc.realtimeUnsub = unsub
		}
	}

	// 7. replay the unsynced backlog, oldest first
	if doc.sync != nil {
		for i := 0; i < persist.PendingCount(); i += 1 {
			doc.enqueueBackground(func() error {
				if doc.isRemoved() {
					return nil
				}
				if persist.PendingCount() == 0 {
					return nil
				}
				return doc.sync.PushOutgoing()
			})
		}
	}

	return doc, nil
}

func (self *ManagedDocument) Id() string {
	return self.docId
}

func (self *ManagedDocument) View() *ModelView {
	return self.view
}

func (self *ManagedDocument) IsBrandNew() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isBrandNew
}

// number of locally authored updates not yet acknowledged by a push
func (self *ManagedDocument) PendingSyncCount() int {
	return self.persist.PendingCount()
}

// Mutate runs fn inside a CRDT transaction; all changes emit as a single
// update. The returned future resolves after the update is durable and,
// when sync and realtime are configured, pushed and published.
func (self *ManagedDocument) Mutate(fn func(view *ModelView)) *Future {
	return self.MutateWithOptions(fn, nil)
}

func (self *ManagedDocument) MutateWithOptions(fn func(view *ModelView), options *MutateOptions) *Future {
	var origin any
	if options != nil {
		origin = options.Origin
	}

	self.mutateLock.Lock()
	self.stateLock.Lock()
	self.lastLocalFuture = nil
	self.stateLock.Unlock()

	self.crdt.Transact(func() {
		fn(self.view)
	}, origin)

	self.stateLock.Lock()
	future := self.lastLocalFuture
	self.lastLocalFuture = nil
	self.stateLock.Unlock()
	self.mutateLock.Unlock()

	if future == nil {
		// fn made no changes
		future = newFuture()
		future.complete(nil)
		return future
	}
	self.refreshView()
	return future
}

// Sync enqueues a manual sync pass. Pull runs the state-vector pull;
// ForceSnapshot stores a fresh local snapshot; Push runs the snapshot
// handshake and drains the pending backlog.
func (self *ManagedDocument) Sync(options *SyncOptions) *Future {
	if options == nil {
		options = &SyncOptions{
			Pull: true,
			Push: true,
		}
	}
	if self.sync == nil {
		future := newFuture()
		future.complete(errors.New("No sync adapter configured."))
		return future
	}
	opts := *options
	return self.serializer.Enqueue(func() error {
		if self.isRemoved() {
			return nil
		}
		if opts.Pull {
			if err := self.fetchAndApplyFromSync(false); err != nil {
				return err
			}
		}
		if opts.ForceSnapshot {
			if err := self.persist.StoreSnapshot(self.crdt.EncodeStateAsUpdate(), false, true); err != nil {
				return err
			}
		}
		if opts.Push {
			return self.sync.DrainPending()
		}
		return nil
	})
}

// Flush resolves after every task enqueued on the document so far -
// persistence, pushes, publishes, inbound applies - has completed.
func (self *ManagedDocument) Flush() *Future {
	return self.serializer.Drain()
}

// Remove detaches the document and deletes its storage. Use
// Runtime.Remove; this is the document side of it.
func (self *ManagedDocument) Remove() error {
	return self.runtime.Remove(self.docId)
}

// update dispatcher. called synchronously after every CRDT emit
func (self *ManagedDocument) handleCrdtUpdate(update []byte, origin any) {
	switch origin {
	case originStorage:
		// already durable
		return
	case originSync, originRealtime:
		// persist without marking pending; never propagate back.
		// these origins only fire inside serialized work, so the
		// storage call is already one-at-a-time for this document
		encoded, err := self.runtime.settings.Codec.Encode(update)
		if err != nil {
			self.runtime.onError(&DecodeError{DocId: self.docId, Err: err})
			return
		}
		if err := self.persist.Append(encoded, false); err != nil {
			self.runtime.onError(err)
		}
	default:
		// local authorship: persist, mark pending, push, publish
		encoded, err := self.runtime.settings.Codec.Encode(update)
		if err != nil {
			self.runtime.onError(&DecodeError{DocId: self.docId, Err: err})
			return
		}
		future := self.serializer.Enqueue(func() error {
			return self.processLocalUpdate(encoded)
		})
		self.stateLock.Lock()
		self.lastLocalFuture = future
		self.stateLock.Unlock()
	}
}

func (self *ManagedDocument) processLocalUpdate(encoded []byte) error {
	if self.isRemoved() {
		return nil
	}
	if err := self.persist.Append(encoded, true); err != nil {
		return err
	}
	if self.sync != nil {
		if err := self.sync.PushOutgoing(); err != nil {
			return err
		}
	}
	if self.realtime != nil {
		if err := self.realtime.Publish(encoded); err != nil {
			// the update is already durable; a lost publish is not fatal
			self.runtime.onError(err)
		}
	}
	return nil
}

// inbound realtime, applied in arrival order on the serializer
func (self *ManagedDocument) handleRealtimeInbound(encoded []byte) {
	payload := copyBytes(encoded)
	self.enqueueBackground(func() error {
		if self.isRemoved() {
			return nil
		}
		raw, err := self.runtime.settings.Codec.Decode(payload)
		if err != nil {
			return &DecodeError{DocId: self.docId, Err: err}
		}
		if err := self.crdt.ApplyUpdate(raw, originRealtime); err != nil {
			return &DecodeError{DocId: self.docId, Err: err}
		}
		self.refreshView()
		return nil
	})
}

// fetchAndApplyFromSync runs one pull. A brand-new document asks for a
// snapshot with no state vector (policy permitting).
//
// The initial pull runs before the update handler is registered, so
// nothing it merges reaches the dispatcher. Whenever it applied bytes, the
// merged state is snapshotted locally and marked synced; skipping this
// would drop those bytes from durable state while the advanced checkpoint
// stops the server from ever resending them. Manual pulls run with the
// handler live and persist through the normal dispatch path instead.
func (self *ManagedDocument) fetchAndApplyFromSync(initial bool) error {
	self.stateLock.Lock()
	wasBrandNew := self.isBrandNew
	self.stateLock.Unlock()

	requestSnapshot := wasBrandNew && self.runtime.settings.RequestSnapshotOnNewDocument
	var stateVector []byte
	if !requestSnapshot {
		stateVector = self.crdt.StateVector()
	}

	applied, err := self.sync.Pull(stateVector, requestSnapshot)
	if err != nil {
		return err
	}

	if wasBrandNew {
		self.stateLock.Lock()
		self.isBrandNew = false
		self.stateLock.Unlock()
	}
	if initial && 0 < applied {
		if err := self.persist.StoreSnapshot(self.crdt.EncodeStateAsUpdate(), true, true); err != nil {
			return err
		}
	}
	return nil
}

func (self *ManagedDocument) applyStored(encoded []byte) {
	raw, err := self.runtime.settings.Codec.Decode(encoded)
	if err != nil {
		self.runtime.onError(&DecodeError{DocId: self.docId, Err: err})
		return
	}
	if err := self.crdt.ApplyUpdate(raw, originStorage); err != nil {
		self.runtime.onError(&DecodeError{DocId: self.docId, Err: err})
	}
}

func (self *ManagedDocument) refreshView() {
	if self.view != nil {
		self.view.refresh()
	}
}

func (self *ManagedDocument) enqueueBackground(task func() error) {
	future := self.serializer.Enqueue(task)
	go func() {
		if err := future.Wait(); err != nil {
			self.runtime.onError(err)
		}
	}()
}

func (self *ManagedDocument) isRemoved() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.removed
}

// detach is Remove without the storage delete (runtime close path)
func (self *ManagedDocument) detach() {
	self.stateLock.Lock()
	alreadyRemoved := self.removed
	self.removed = true
	self.stateLock.Unlock()
	if alreadyRemoved {
		return
	}
	if self.detachCrdt != nil {
		self.detachCrdt()
	}
	if self.realtimeUnsub != nil {
		HandleError(self.realtimeUnsub)
	}
	self.crdt.Detach()
}

func (self *ManagedDocument) remove() error {
	self.detach()
	return self.persist.Remove()
}
