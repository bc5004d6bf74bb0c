// ABOUTME: Structured logging for healthsync built on log/slog.
// ABOUTME: Provides a configurable default logger and sync-specific attribute helpers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/harperreed/healthsync/internal/models"
)

var (
	defaultLogger *slog.Logger
	defaultOnce   sync.Once
)

// Options configures the logger.
type Options struct {
	Level  slog.Level
	Output io.Writer
	JSON   bool
}

// New creates a logger with the given options. Output defaults to stderr.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	}
	return slog.New(handler)
}

// Default returns the process-wide logger, creating a text logger at Info if unset.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(Options{Level: slog.LevelInfo})
		}
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger and slog's default.
func SetDefault(logger *slog.Logger) {
	defaultOnce.Do(func() {})
	defaultLogger = logger
	slog.SetDefault(logger)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Attribute keys used across packages.
const (
	KeyComponent = "component"
	KeySession   = "session"
	KeyUser      = "user"
	KeyMetric    = "metric"
	KeySource    = "source"
	KeyStrategy  = "strategy"
	KeyCount     = "count"
	KeyError     = "error"
)

// Component tags log lines with the emitting subsystem.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Metric returns an attribute for a metric.
func Metric(m models.Metric) slog.Attr {
	return slog.String(KeyMetric, string(m))
}

// Source returns an attribute for a source.
func Source(s models.Source) slog.Attr {
	return slog.String(KeySource, string(s))
}

// Err returns an attribute for an error; empty when err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any(KeyError, err)
}
