package collab

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// test doubles shared by the runtime tests

type recordingSyncAdapter struct {
	mutex  sync.Mutex
	pulls  []*PullRequest
	pushes []*PushRequest
	pullFn func(request *PullRequest) (*PullResult, error)
	pushFn func(request *PushRequest) (*PushResult, error)
}

func newRecordingSyncAdapter() *recordingSyncAdapter {
	return &recordingSyncAdapter{}
}

func (self *recordingSyncAdapter) Pull(ctx context.Context, request *PullRequest) (*PullResult, error) {
	self.mutex.Lock()
	self.pulls = append(self.pulls, &PullRequest{
		DocId:           request.DocId,
		StateVector:     copyBytes(request.StateVector),
		RequestSnapshot: request.RequestSnapshot,
		LastSynced:      request.LastSynced,
	})
	pullFn := self.pullFn
	self.mutex.Unlock()

	if pullFn != nil {
		return pullFn(request)
	}
	return nil, nil
}

func (self *recordingSyncAdapter) Push(ctx context.Context, request *PushRequest) (*PushResult, error) {
	self.mutex.Lock()
	self.pushes = append(self.pushes, &PushRequest{
		DocId:      request.DocId,
		Update:     copyBytes(request.Update),
		IsSnapshot: request.IsSnapshot,
		LastSynced: request.LastSynced,
	})
	pushFn := self.pushFn
	self.mutex.Unlock()

	if pushFn != nil {
		return pushFn(request)
	}
	return &PushResult{}, nil
}

func (self *recordingSyncAdapter) Pulls() []*PullRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]*PullRequest, len(self.pulls))
	copy(out, self.pulls)
	return out
}

func (self *recordingSyncAdapter) Pushes() []*PushRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]*PushRequest, len(self.pushes))
	copy(out, self.pushes)
	return out
}

func (self *recordingSyncAdapter) setPushFn(pushFn func(request *PushRequest) (*PushResult, error)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pushFn = pushFn
}

type recordingRealtimeAdapter struct {
	mutex     sync.Mutex
	handlers  map[string]func(update []byte)
	published [][]byte
}

func newRecordingRealtimeAdapter() *recordingRealtimeAdapter {
	return &recordingRealtimeAdapter{
		handlers: map[string]func(update []byte){},
	}
}

func (self *recordingRealtimeAdapter) Subscribe(docId string, onUpdate func(update []byte)) (func(), error) {
	self.mutex.Lock()
	self.handlers[docId] = onUpdate
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		delete(self.handlers, docId)
		self.mutex.Unlock()
	}, nil
}

func (self *recordingRealtimeAdapter) Publish(ctx context.Context, docId string, update []byte) error {
	self.mutex.Lock()
	self.published = append(self.published, copyBytes(update))
	self.mutex.Unlock()
	return nil
}

func (self *recordingRealtimeAdapter) Published() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return copyBytesList(self.published)
}

func (self *recordingRealtimeAdapter) Deliver(docId string, update []byte) {
	self.mutex.Lock()
	handler := self.handlers[docId]
	self.mutex.Unlock()
	if handler != nil {
		handler(update)
	}
}

// storage wrapper that journals operation order alongside sync pushes

type opJournal struct {
	mutex sync.Mutex
	ops   []string
}

func (self *opJournal) record(op string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.ops = append(self.ops, op)
}

func (self *opJournal) Ops() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]string, len(self.ops))
	copy(out, self.ops)
	return out
}

type journalStorage struct {
	*MemStorage
	journal *opJournal
}

func newJournalStorage(journal *opJournal) *journalStorage {
	return &journalStorage{
		MemStorage: NewMemStorage(),
		journal:    journal,
	}
}

func (self *journalStorage) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	self.journal.record(fmt.Sprintf("append:%s", update))
	return self.MemStorage.AppendUpdate(ctx, docId, update)
}

type journalSyncAdapter struct {
	*recordingSyncAdapter
	journal *opJournal
}

func (self *journalSyncAdapter) Push(ctx context.Context, request *PushRequest) (*PushResult, error) {
	if request.IsSnapshot {
		self.journal.record("push:snapshot")
	} else {
		self.journal.record(fmt.Sprintf("push:%s", request.Update))
	}
	return self.recordingSyncAdapter.Push(ctx, request)
}

// storage adapter with only the required surface

type minimalStorage struct {
	inner *MemStorage
}

func newMinimalStorage() *minimalStorage {
	return &minimalStorage{
		inner: NewMemStorage(),
	}
}

func (self *minimalStorage) GetUpdates(ctx context.Context, docId string) ([][]byte, error) {
	return self.inner.GetUpdates(ctx, docId)
}

func (self *minimalStorage) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	return self.inner.AppendUpdate(ctx, docId, update)
}

func (self *minimalStorage) Remove(ctx context.Context, docId string) error {
	return self.inner.Remove(ctx, docId)
}

// in-memory sync backend with the reference server's semantics: an opaque
// log with seq checkpoints, snapshot on first contact

type memServerDoc struct {
	snapshot    []byte
	snapshotSeq uint64
	updates     []memServerUpdate
	seq         uint64
}

type memServerUpdate struct {
	seq    uint64
	update []byte
}

type memServerSync struct {
	mutex sync.Mutex
	docs  map[string]*memServerDoc
}

func newMemServerSync() *memServerSync {
	return &memServerSync{
		docs: map[string]*memServerDoc{},
	}
}

func (self *memServerSync) doc(docId string) *memServerDoc {
	doc, ok := self.docs[docId]
	if !ok {
		doc = &memServerDoc{}
		self.docs[docId] = doc
	}
	return doc
}

func (self *memServerSync) Pull(ctx context.Context, request *PullRequest) (*PullResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	doc := self.doc(request.DocId)
	if doc.seq == 0 {
		return nil, nil
	}

	result := &PullResult{
		DateLastSynced: strconv.FormatUint(doc.seq, 10),
	}
	sinceSeq := uint64(0)
	if request.LastSynced != "" {
		sinceSeq, _ = strconv.ParseUint(request.LastSynced, 10, 64)
	} else if doc.snapshot != nil {
		result.Snapshot = copyBytes(doc.snapshot)
		sinceSeq = doc.snapshotSeq
	}
	for _, update := range doc.updates {
		if sinceSeq < update.seq {
			result.Updates = append(result.Updates, copyBytes(update.update))
		}
	}
	return result, nil
}

func (self *memServerSync) Push(ctx context.Context, request *PushRequest) (*PushResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	doc := self.doc(request.DocId)
	doc.seq += 1
	if request.IsSnapshot {
		doc.snapshot = copyBytes(request.Update)
		doc.snapshotSeq = doc.seq
	} else {
		doc.updates = append(doc.updates, memServerUpdate{
			seq:    doc.seq,
			update: copyBytes(request.Update),
		})
	}
	return &PushResult{
		DateLastSynced: strconv.FormatUint(doc.seq, 10),
	}, nil
}
