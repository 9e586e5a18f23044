// Package queue carries document change notifications from store commits to
// the router workers that fan them out to watches.
package queue

import (
	"context"
	"sync"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const defaultQueueCapacity = 4096

// Event is one committed document change.
type Event = docstore.Change

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds an event. It returns false when the queue is full or closed;
	// callers then deliver the change themselves.
	Enqueue(ctx context.Context, e Event) bool

	// Dequeue returns a channel of events, closed once the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Event

	Len(ctx context.Context) int
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	events   chan Event
	capacity int
	mu       sync.RWMutex
	closed   bool
}

// NewInMemoryQueue creates a bounded in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.events = make(chan Event, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	metrics.UpdateQueueUtilization(0)
	return q
}

// Enqueue never blocks.
func (q *InMemoryQueue) Enqueue(ctx context.Context, e Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueDrop()
		metrics.RecordErrorByComponent("queue", "closed")
		return false
	}
	if ctx.Err() != nil {
		metrics.RecordQueueDrop()
		metrics.RecordErrorByComponent("queue", "context_cancelled")
		return false
	}

	select {
	case q.events <- e:
		metrics.RecordQueueEnqueue()
		q.observe()
		return true
	default:
		metrics.RecordQueueDrop()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return false
	}
}

// Dequeue may be called by several consumers; each event goes to exactly one.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case e, ok := <-q.events:
				if !ok {
					return
				}
				q.observe()
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the number of queued events.
func (q *InMemoryQueue) Len(_ context.Context) int {
	return q.observe()
}

func (q *InMemoryQueue) observe() int {
	size := len(q.events)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
	return size
}

// Close stops accepting events. Queued events are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.events)
	q.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
