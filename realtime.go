package collab

import (
	"context"
)

// realtimeCoordinator is the thin seam between one document and the
// shared realtime adapter. Payloads cross this boundary codec-encoded;
// decode and apply happen on the document's serializer. Reconnect and
// rejoin live inside the adapter.
type realtimeCoordinator struct {
	ctx   context.Context
	docId string

	adapter RealtimeAdapter
}

func newRealtimeCoordinator(ctx context.Context, docId string, adapter RealtimeAdapter) *realtimeCoordinator {
	return &realtimeCoordinator{
		ctx:     ctx,
		docId:   docId,
		adapter: adapter,
	}
}

func (self *realtimeCoordinator) Subscribe(onUpdate func(encoded []byte)) (func(), error) {
	unsub, err := self.adapter.Subscribe(self.docId, onUpdate)
	if err != nil {
		return nil, &RealtimePublishError{DocId: self.docId, Err: err}
	}
	return unsub, nil
}

func (self *realtimeCoordinator) Publish(encoded []byte) error {
	if err := self.adapter.Publish(self.ctx, self.docId, encoded); err != nil {
		return &RealtimePublishError{DocId: self.docId, Err: err}
	}
	return nil
}
