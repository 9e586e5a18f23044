// Package config defines service configuration and how it is loaded.
//
// Values layer from defaults, an optional .env file, an optional YAML file
// and TUNEBUZZ_ environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StoreBackend selects the document store: memory, sqlite or postgres.
	StoreBackend string `koanf:"store_backend"`
	// StoreDSN is the data source for SQL backends (sqlite file path or postgres URL).
	StoreDSN string `koanf:"store_dsn"`
	// StorePollIntervalMS re-reads SQL watches on this cadence; 0 disables polling.
	StorePollIntervalMS int `koanf:"store_poll_interval_ms"`
	// TxMaxAttempts bounds optimistic transaction retries.
	TxMaxAttempts int `koanf:"tx_max_attempts"`

	// ChangeQueueSize bounds pending change notifications.
	ChangeQueueSize int `koanf:"change_queue_size"`
	// RouterWorkers is the number of goroutines routing changes to watches.
	RouterWorkers int `koanf:"router_workers"`

	// ResponseWindowSeconds is how long a hostless first responder has to answer.
	ResponseWindowSeconds int `koanf:"response_window_seconds"`
	// JoinCodeLength is the number of characters in a join code.
	JoinCodeLength int `koanf:"join_code_length"`
	// JoinCodeMaxAttempts bounds redraws on collision.
	JoinCodeMaxAttempts int `koanf:"join_code_max_attempts"`

	// DedupeSize bounds the local duplicate-submission guard.
	DedupeSize int `koanf:"dedupe_size"`

	// EnforceOwner rejects host-only commands from callers other than the owner.
	EnforceOwner bool `koanf:"enforce_owner"`

	// StandingsTop is the default number of rows returned by standings.
	StandingsTop int `koanf:"standings_top"`

	// AutoAdvance runs a response-window timer for every active hostless game.
	AutoAdvance bool `koanf:"auto_advance"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		StoreBackend:          BackendMemory,
		StoreDSN:              "",
		StorePollIntervalMS:   0,
		TxMaxAttempts:         16,
		ChangeQueueSize:       4096,
		RouterWorkers:         4,
		ResponseWindowSeconds: 20,
		JoinCodeLength:        6,
		JoinCodeMaxAttempts:   32,
		DedupeSize:            50_000,
		EnforceOwner:          false,
		StandingsTop:          10,
		AutoAdvance:           false,
	}
}

// ResponseWindow returns ResponseWindowSeconds as a duration.
func (c *Config) ResponseWindow() time.Duration {
	return time.Duration(c.ResponseWindowSeconds) * time.Second
}

// StorePollInterval returns StorePollIntervalMS as a duration.
func (c *Config) StorePollInterval() time.Duration {
	return time.Duration(c.StorePollIntervalMS) * time.Millisecond
}

// Validate reports the first invalid field wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.ResponseWindowSeconds < 1:
		return fmt.Errorf("%w: response_window_seconds must be positive", ErrInvalidConfig)
	case c.JoinCodeLength < 4:
		return fmt.Errorf("%w: join_code_length must be at least 4", ErrInvalidConfig)
	case c.JoinCodeMaxAttempts < 1:
		return fmt.Errorf("%w: join_code_max_attempts must be positive", ErrInvalidConfig)
	case c.TxMaxAttempts < 1:
		return fmt.Errorf("%w: tx_max_attempts must be positive", ErrInvalidConfig)
	case c.StorePollIntervalMS < 0:
		return fmt.Errorf("%w: store_poll_interval_ms must not be negative", ErrInvalidConfig)
	}

	switch strings.ToLower(c.StoreBackend) {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if strings.TrimSpace(c.StoreDSN) == "" {
			return fmt.Errorf("%w: store_dsn is required for %s", ErrInvalidConfig, c.StoreBackend)
		}
	default:
		return fmt.Errorf("%w: unknown store_backend %q", ErrInvalidConfig, c.StoreBackend)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}
