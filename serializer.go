package collab

import (
	"context"
	"sync"
)

// Future resolves after a serialized task completes. Wait returns the
// task's error, if any.
type Future struct {
	doneC chan struct{}

	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{
		doneC: make(chan struct{}),
	}
}

func (self *Future) complete(err error) {
	self.once.Do(func() {
		self.err = err
		close(self.doneC)
	})
}

func (self *Future) Wait() error {
	<-self.doneC
	return self.err
}

func (self *Future) Done() <-chan struct{} {
	return self.doneC
}

// serializer is the per-document FIFO task chain. Exactly one task runs at
// a time; tasks for different documents run independently. A failed task
// rejects its own future and nothing else - the chain always survives.
type serializer struct {
	ctx context.Context

	mutex sync.Mutex
	tail  *Future
}

func newSerializer(ctx context.Context) *serializer {
	return &serializer{
		ctx: ctx,
	}
}

func (self *serializer) Enqueue(task func() error) *Future {
	future := newFuture()

	self.mutex.Lock()
	prev := self.tail
	self.tail = future
	self.mutex.Unlock()

	go func() {
		if prev != nil {
			// the previous task's error is its own; just wait for it
			<-prev.doneC
		}
		select {
		case <-self.ctx.Done():
			future.complete(self.ctx.Err())
			return
		default:
		}
		var err error
		HandleError(
			func() {
				err = task()
			},
			func(r error) {
				err = r
			},
		)
		future.complete(err)
	}()
	return future
}

// Drain returns a future that resolves after every task enqueued so far
// has completed.
func (self *serializer) Drain() *Future {
	return self.Enqueue(func() error {
		return nil
	})
}
