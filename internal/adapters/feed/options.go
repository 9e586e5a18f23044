package feed

import (
	"github.com/okian/tunebuzz/internal/adapters/mq/queue"
	"github.com/okian/tunebuzz/pkg/logger"
)

// Option configures a Hub.
type Option func(*Hub)

// WithQueue routes published changes through q and a router worker pool.
func WithQueue(q queue.Queue) Option {
	return func(h *Hub) { h.queue = q }
}

// WithRouterWorkers sets the router pool size used with WithQueue.
func WithRouterWorkers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}
