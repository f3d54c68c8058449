// Package logging provides structured logging for the results engine.
//
// It wraps log/slog so every component logs with the same handler, level
// and format. Components get their own logger carrying a "component"
// attribute:
//
//	log := logging.Component("scheduler")
//	log.Info("schedule item executed", "id", item.ID, "date", item.Date)
//
// Request-scoped loggers pick up chi's request id:
//
//	logging.WithContext(r.Context()).Warn("source unavailable", "error", err)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init initializes the process logger with the given level and format.
// If jsonFormat is true, logs are written as JSON; otherwise as logfmt text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination. Tests use it to capture
// or discard output.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
	slog.SetDefault(logger)
}

// ParseLevel converts "debug", "info", "warn" or "error" to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func current() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger for a specific component.
//
// The logger is resolved lazily on every call so package-level component
// loggers created before Init still follow the configured handler.
func Component(name string) *ComponentLogger {
	return &ComponentLogger{name: name}
}

// ComponentLogger is a named logger bound to the process handler.
type ComponentLogger struct {
	name string
}

func (c *ComponentLogger) l() *slog.Logger {
	return current().With("component", c.name)
}

func (c *ComponentLogger) Debug(msg string, args ...any) { c.l().Debug(msg, args...) }
func (c *ComponentLogger) Info(msg string, args ...any)  { c.l().Info(msg, args...) }
func (c *ComponentLogger) Warn(msg string, args ...any)  { c.l().Warn(msg, args...) }
func (c *ComponentLogger) Error(msg string, args ...any) { c.l().Error(msg, args...) }

// With returns a logger with the component name and additional attributes.
func (c *ComponentLogger) With(args ...any) *slog.Logger {
	return c.l().With(args...)
}

// WithContext returns a logger that includes the request id set by chi's
// RequestID middleware, when present.
func WithContext(ctx context.Context) *slog.Logger {
	l := current()
	if id := middleware.GetReqID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
