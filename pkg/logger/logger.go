// Package logger provides a small structured logging facade over slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const callerSkipFrames = 3 // getCaller -> log -> Info/Warn/... -> caller

// Logger defines the logging interface.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)

	// Named returns a child logger; names nest with dots ("service.hosted").
	Named(name string) Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// Field constructors.
func String(key, val string) Field                 { return Field{Key: key, Value: val} }
func Int(key string, val int) Field                { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field              { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field        { return Field{Key: key, Value: val} }
func Duration(key string, val time.Duration) Field { return Field{Key: key, Value: val} }
func Any(key string, val any) Field                { return Field{Key: key, Value: val} }
func Error(err error) Field                        { return Field{Key: "error", Value: err} }

type slogLogger struct {
	base *slog.Logger
	name string
}

func (l *slogLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &slogLogger{base: l.base, name: full}
}

func (l *slogLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelInfo, msg, fields)
}

func (l *slogLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelError, msg, fields)
}

func (l *slogLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelDebug, msg, fields)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelWarn, msg, fields)
}

func (l *slogLogger) Fatal(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, slog.LevelError, msg, fields)
	os.Exit(1)
}

func (l *slogLogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.base.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+2)
	if l.name != "" {
		attrs = append(attrs, slog.String("logger", l.name))
	}
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	attrs = append(attrs, slog.String("source", getCaller()))
	l.base.LogAttrs(ctx, level, msg, attrs...)
}

// Option configures Init.
type Option func(*settings)

type settings struct {
	format string
	out    io.Writer
}

// WithFormat selects the handler: "text" (default) or "json".
func WithFormat(format string) Option {
	return func(s *settings) {
		if format != "" {
			s.format = strings.ToLower(strings.TrimSpace(format))
		}
	}
}

// WithOutput redirects log output, mostly for tests.
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.out = w
		}
	}
}

var (
	mu       sync.RWMutex
	global   Logger
	levelVar slog.LevelVar
)

// Init initializes the global logger. It may be called again to switch format.
func Init(opts ...Option) error {
	s := settings{format: "text", out: os.Stdout}
	for _, opt := range opts {
		opt(&s)
	}

	handlerOpts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	switch s.format {
	case "text":
		h = slog.NewTextHandler(s.out, handlerOpts)
	case "json":
		h = slog.NewJSONHandler(s.out, handlerOpts)
	default:
		return fmt.Errorf("unknown log format: %s", s.format)
	}

	mu.Lock()
	global = &slogLogger{base: slog.New(h)}
	mu.Unlock()
	return nil
}

// getCaller returns the caller location as relative/path/file.go:line.
func getCaller() string {
	_, file, line, ok := runtime.Caller(callerSkipFrames)
	if !ok {
		return "unknown:0"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	rel, err := filepath.Rel(cwd, file)
	if err != nil {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return fmt.Sprintf("%s:%d", rel, line)
}

// Get returns the global logger, or a discarding one if Init was never called.
func Get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return Nop()
	}
	return global
}

// Nop returns a logger that drops every record.
func Nop() Logger {
	return &slogLogger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Named creates a named child of the global logger.
func Named(name string) Logger {
	return Get().Named(name)
}

// Sync flushes buffered log entries. slog does not buffer.
func Sync() error {
	return nil
}

// SetLevel updates the level for every logger created by Init.
func SetLevel(level slog.Level) { levelVar.Set(level) }

// SetLevelString parses and sets the logging level.
// Accepts: debug, info, warn/warning, error (case-insensitive).
func SetLevelString(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		SetLevel(slog.LevelDebug)
	case "", "info":
		SetLevel(slog.LevelInfo)
	case "warn", "warning":
		SetLevel(slog.LevelWarn)
	case "error":
		SetLevel(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
	return nil
}
