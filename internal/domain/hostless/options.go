package hostless

import (
	"time"

	"github.com/okian/tunebuzz/internal/domain/dedupe"
	"github.com/okian/tunebuzz/internal/domain/grading"
	"github.com/okian/tunebuzz/pkg/logger"
)

// Option configures a Machine.
type Option func(*Machine)

// WithResponseWindow sets how long a first responder has to answer. It is
// stored on each new game in whole seconds.
func WithResponseWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d >= time.Second {
			m.window = d
		}
	}
}

// WithClock replaces the clock used to judge window expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithGrader replaces the substring grader.
func WithGrader(g grading.Grader) Option {
	return func(m *Machine) {
		m.grader = g
	}
}

// WithDeduper replaces the local duplicate guard.
func WithDeduper(d dedupe.Deduper) Option {
	return func(m *Machine) {
		m.dedupe = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}
