package queue

// Option configures an InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity sets how many changes may wait before Enqueue reports full.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}
