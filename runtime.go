package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type RuntimeSettings struct {
	// optional request/response sync backend
	Sync SyncAdapter
	// optional live pub/sub transport
	Realtime RealtimeAdapter
	// applied to every persisted or transported blob
	Codec Codec
	// snapshot cadence
	SnapshotEvery SnapshotEvery
	// snapshot_sync.send: when false, only the first snapshot is pushed
	SendSnapshots bool
	// snapshot_sync.request_on_new_document: when false, brand-new
	// documents pull incrementally with their (empty) state vector
	RequestSnapshotOnNewDocument bool
	PullBeforePush               bool
	// replica factory, one per opened document
	NewCrdt func(docId string) CrdtHandle
	// sink for all non-fatal background errors
	OnError func(err error)
}

func DefaultRuntimeSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Codec: IdentityCodec(),
		SnapshotEvery: SnapshotEvery{
			Updates: 64,
			Bytes:   kib(256),
		},
		SendSnapshots:                true,
		RequestSnapshotOnNewDocument: true,
		PullBeforePush:               true,
		NewCrdt: func(docId string) CrdtHandle {
			return NewLwwDoc()
		},
	}
}

// Runtime is the document registry: it opens, deduplicates, and closes
// per-document runtimes over one shared storage adapter and the optional
// sync and realtime adapters.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage  StorageAdapter
	settings *RuntimeSettings
	events   *eventBus
	warnOnce *warnOnce

	stateLock sync.Mutex
	documents map[string]*ManagedDocument
}

func NewRuntimeWithDefaults(ctx context.Context, storage StorageAdapter) *Runtime {
	return NewRuntime(ctx, storage, DefaultRuntimeSettings())
}

func NewRuntime(ctx context.Context, storage StorageAdapter, settings *RuntimeSettings) *Runtime {
	cancelCtx, cancel := context.WithCancel(ctx)

	if settings.Codec == nil {
		settings.Codec = IdentityCodec()
	}
	if settings.NewCrdt == nil {
		settings.NewCrdt = func(docId string) CrdtHandle {
			return NewLwwDoc()
		}
	}
	if settings.OnError == nil {
		settings.OnError = func(err error) {
			glog.Errorf("collab: %s\n", err)
		}
	}

	runtime := &Runtime{
		ctx:       cancelCtx,
		cancel:    cancel,
		storage:   storage,
		settings:  settings,
		warnOnce:  newWarnOnce(),
		documents: map[string]*ManagedDocument{},
	}
	runtime.events = newEventBus(runtime.onError)
	return runtime
}

// Open hydrates the document from storage, runs the initial pull when a
// sync adapter is configured, and returns the live handle. Idempotent: a
// second Open of the same id returns the existing handle.
func (self *Runtime) Open(docId string, model Model) (*ManagedDocument, error) {
	self.stateLock.Lock()
	if doc, ok := self.documents[docId]; ok {
		self.stateLock.Unlock()
		return doc, nil
	}
	self.stateLock.Unlock()

	doc, err := newManagedDocument(self, docId, model)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	if existing, ok := self.documents[docId]; ok {
		// lost an open race; keep the first
		self.stateLock.Unlock()
		doc.detach()
		return existing, nil
	}
	self.documents[docId] = doc
	self.stateLock.Unlock()
	return doc, nil
}

func (self *Runtime) Get(docId string) (*ManagedDocument, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	doc, ok := self.documents[docId]
	return doc, ok
}

// Remove detaches the CRDT handler, cancels the realtime subscription,
// deletes storage, and forgets the entry. In-flight sync tasks finish and
// their results are discarded.
func (self *Runtime) Remove(docId string) error {
	self.stateLock.Lock()
	doc, ok := self.documents[docId]
	delete(self.documents, docId)
	self.stateLock.Unlock()

	if !ok {
		return ErrNotLoaded
	}
	return doc.remove()
}

// SyncNow runs a manual sync for an already-open document. Unknown ids
// are a contract violation, raised synchronously.
func (self *Runtime) SyncNow(docId string, options *SyncOptions) (*Future, error) {
	self.stateLock.Lock()
	doc, ok := self.documents[docId]
	self.stateLock.Unlock()

	if !ok {
		return nil, ErrNotLoaded
	}
	return doc.Sync(options), nil
}

// OnSyncEvent registers a per-runtime sync event listener. The returned
// function removes it.
func (self *Runtime) OnSyncEvent(callback SyncEventFunction) func() {
	return self.events.AddSyncEventCallback(callback)
}

// Close detaches every document and cancels the runtime context. Storage
// is left intact.
func (self *Runtime) Close() {
	self.stateLock.Lock()
	docs := make([]*ManagedDocument, 0, len(self.documents))
	for _, doc := range self.documents {
		docs = append(docs, doc)
	}
	self.documents = map[string]*ManagedDocument{}
	self.stateLock.Unlock()

	for _, doc := range docs {
		doc.detach()
	}
	self.cancel()
}

func (self *Runtime) onError(err error) {
	if err == nil {
		return
	}
	self.settings.OnError(err)
}
