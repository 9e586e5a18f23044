package memstore

import (
	"time"

	"github.com/okian/tunebuzz/internal/adapters/feed"
	"github.com/okian/tunebuzz/pkg/logger"
)

// Option configures a Store.
type Option func(*Store)

// WithHub publishes changes to a shared hub. The store will not close it.
func WithHub(h *feed.Hub) Option {
	return func(s *Store) {
		if h != nil {
			s.hub = h
		}
	}
}

// WithMaxAttempts bounds transaction retries.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithMetricsRefresh sets how often the document gauge is refreshed.
func WithMetricsRefresh(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}
