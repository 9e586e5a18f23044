package api

import "github.com/okian/tunebuzz/pkg/logger"

const (
	defaultQRSize       = 320
	defaultStandingsTop = 10
)

// Option configures a Server.
type Option func(*Server)

// WithQRSize sets the edge length in pixels of join-code QR images.
func WithQRSize(px int) Option {
	return func(s *Server) {
		if px >= 64 {
			s.qrSize = px
		}
	}
}

// WithStandingsTop sets how many entries the standings route returns when
// the request does not say.
func WithStandingsTop(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.top = n
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
