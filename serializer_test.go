package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSerializerFifo(t *testing.T) {
	s := newSerializer(context.Background())

	var mutex sync.Mutex
	order := []int{}

	n := 20
	futures := []*Future{}
	for i := 0; i < n; i += 1 {
		i := i
		futures = append(futures, s.Enqueue(func() error {
			if i%3 == 0 {
				// give later tasks a chance to jump the queue if the
				// chain were broken
				time.Sleep(5 * time.Millisecond)
			}
			mutex.Lock()
			order = append(order, i)
			mutex.Unlock()
			return nil
		}))
	}
	for _, future := range futures {
		assert.Equal(t, nil, future.Wait())
	}

	for i := 0; i < n; i += 1 {
		assert.Equal(t, i, order[i])
	}
}

func TestSerializerFailureIsolation(t *testing.T) {
	s := newSerializer(context.Background())

	first := s.Enqueue(func() error {
		return fmt.Errorf("boom")
	})
	second := s.Enqueue(func() error {
		return nil
	})

	assert.NotEqual(t, nil, first.Wait())
	// one failure never poisons the chain
	assert.Equal(t, nil, second.Wait())
}

func TestSerializerPanicIsolation(t *testing.T) {
	s := newSerializer(context.Background())

	first := s.Enqueue(func() error {
		panic("boom")
	})
	second := s.Enqueue(func() error {
		return nil
	})

	assert.NotEqual(t, nil, first.Wait())
	assert.Equal(t, nil, second.Wait())
}

func TestSerializerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSerializer(ctx)
	cancel()

	ran := false
	future := s.Enqueue(func() error {
		ran = true
		return nil
	})
	assert.NotEqual(t, nil, future.Wait())
	assert.Equal(t, false, ran)
}

func TestSerializerIndependentDocuments(t *testing.T) {
	s1 := newSerializer(context.Background())
	s2 := newSerializer(context.Background())

	blockC := make(chan struct{})
	blocked := s1.Enqueue(func() error {
		<-blockC
		return nil
	})

	// a second document's queue is not held up by the first
	fast := s2.Enqueue(func() error {
		return nil
	})
	assert.Equal(t, nil, fast.Wait())

	close(blockC)
	assert.Equal(t, nil, blocked.Wait())
}
