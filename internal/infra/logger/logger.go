package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bleproxy/internal/infra/config"
)

// Option adjusts logger construction.
type Option func(*options)

type options struct {
	forceDebug bool
	attrs      []any
}

// WithDebug forces debug level regardless of the configured level.
// The agent's --verbose flag maps to this.
func WithDebug(on bool) Option {
	return func(o *options) { o.forceDebug = o.forceDebug || on }
}

// WithAttrs attaches attributes to every record, e.g. "role", "agent".
func WithAttrs(args ...any) Option {
	return func(o *options) { o.attrs = append(o.attrs, args...) }
}

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, opts ...Option) (*slog.Logger, func() error, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	level := parseLevel(cfg.Level)
	if o.forceDebug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, hopts)
	default:
		handler = slog.NewTextHandler(writer, hopts)
	}

	log := slog.New(handler)
	if len(o.attrs) > 0 {
		log = log.With(o.attrs...)
	}
	return log, closer, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// library callers that did not supply a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput returns an io.Writer for the specified output target.
// Log files are created with their parent directory.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	case "discard":
		return io.Discard, noop, nil
	default:
		if dir := filepath.Dir(output); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, err
			}
		}
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
