package collab

import (
	"time"
)

type SyncDirection string

const (
	SyncDirectionPull SyncDirection = "pull"
	SyncDirectionPush SyncDirection = "push"
)

type SyncPhase string

const (
	SyncPhaseStart   SyncPhase = "start"
	SyncPhaseSuccess SyncPhase = "success"
	SyncPhaseError   SyncPhase = "error"
)

// SyncEvent is emitted around every pull and push, including the initial
// pull on open. Err is set only on SyncPhaseError.
type SyncEvent struct {
	EventId         Id
	DocId           string
	Direction       SyncDirection
	Phase           SyncPhase
	IsSnapshot      bool
	RequestSnapshot bool
	ByteCount       ByteCount
	Err             error
	EventTime       time.Time
}

type SyncEventFunction func(event *SyncEvent)

// process-wide listeners, in addition to per-runtime ones
var globalSyncEventCallbacks = NewCallbackList[SyncEventFunction]()

// OnSyncEvent registers a process-wide sync event listener. The returned
// function removes it.
func OnSyncEvent(callback SyncEventFunction) func() {
	callbackId := globalSyncEventCallbacks.Add(callback)
	return func() {
		globalSyncEventCallbacks.Remove(callbackId)
	}
}

// eventBus fans a sync event out to per-runtime and process-wide
// listeners. A panicking listener is routed to onError and never
// propagates into the sync path.
type eventBus struct {
	syncEventCallbacks *CallbackList[SyncEventFunction]
	onError            func(error)
}

func newEventBus(onError func(error)) *eventBus {
	return &eventBus{
		syncEventCallbacks: NewCallbackList[SyncEventFunction](),
		onError:            onError,
	}
}

func (self *eventBus) AddSyncEventCallback(callback SyncEventFunction) func() {
	callbackId := self.syncEventCallbacks.Add(callback)
	return func() {
		self.syncEventCallbacks.Remove(callbackId)
	}
}

func (self *eventBus) Emit(event *SyncEvent) {
	if event.EventId.IsZero() {
		event.EventId = NewId()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}
	for _, callback := range self.syncEventCallbacks.Get() {
		self.emitOne(callback, event)
	}
	for _, callback := range globalSyncEventCallbacks.Get() {
		self.emitOne(callback, event)
	}
}

func (self *eventBus) emitOne(callback SyncEventFunction, event *SyncEvent) {
	HandleError(
		func() {
			callback(event)
		},
		self.onError,
	)
}
