package hosted

import "github.com/okian/tunebuzz/pkg/logger"

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}
