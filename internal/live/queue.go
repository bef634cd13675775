package live

import (
	"context"
	"errors"
	"sync"
)

// Queue fans out live updates to interested subscribers. Publishing never
// blocks on a slow consumer: updates are dropped when a subscriber's buffer is
// full, and consumers are expected to re-fetch a snapshot when they notice a
// gap.
type Queue interface {
	Publish(ctx context.Context, update Update) error
	Subscribe() Subscription
}

// Subscription represents an active update stream. The channel is closed when
// the subscription ends; it is finite per consumer and not restartable.
type Subscription interface {
	Updates() <-chan Update
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for
// single-process deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, update Update) error {
	if update.Op == "" {
		return errors.New("update op is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- update:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so the ingest loop is never
			// stalled by a slow overlay connection.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Update, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Update
}

func (s *memorySubscription) Updates() <-chan Update {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
