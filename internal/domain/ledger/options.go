package ledger

import "github.com/okian/tunebuzz/pkg/logger"

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}
