package directory

import "github.com/okian/tunebuzz/pkg/logger"

// Option configures a Directory.
type Option func(*Directory)

// WithLength sets the number of characters in a code.
func WithLength(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.length = n
		}
	}
}

// WithMaxAttempts bounds redraws on collision.
func WithMaxAttempts(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithGenerator replaces the random code source.
func WithGenerator(g Generator) Option {
	return func(d *Directory) {
		if g != nil {
			d.generate = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}
