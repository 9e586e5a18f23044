package rounds

import "github.com/okian/tunebuzz/pkg/logger"

// Option configures a Runner.
type Option func(*Runner)

// WithEnforceOwner turns the owner check on for owner-only transitions.
func WithEnforceOwner(enforce bool) Option {
	return func(r *Runner) {
		r.enforceOwner = enforce
	}
}

// WithAttempts bounds how often a transition re-reads after losing a race.
func WithAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}
