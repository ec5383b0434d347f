// Package logging builds the process logger: a console or JSON handler,
// optionally fanned out to a fluent-bit forward endpoint.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Log output formats
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// Config controls the console handler
type Config struct {
	// Writer receives console output. Defaults to os.Stderr so logs never
	// mix with records forwarded to stdout.
	Writer    io.Writer
	Level     slog.Leveler
	Format    string
	AddSource bool
}

// NewHandler builds the console handler for cfg
func NewHandler(cfg Config) (slog.Handler, error) {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.Level == nil {
		cfg.Level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		AddSource: cfg.AddSource,
		Level:     cfg.Level,
	}

	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		return slog.NewJSONHandler(cfg.Writer, opts), nil
	case FormatColor, "":
		return tint.NewHandler(cfg.Writer, &tint.Options{
			Level:      cfg.Level,
			AddSource:  cfg.AddSource,
			TimeFormat: "2006-01-02 15:04:05",
		}), nil
	case FormatText:
		return slog.NewTextHandler(cfg.Writer, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text, json or color)", cfg.Format)
	}
}

// New returns a logger writing to every handler given. At least one handler
// is required.
func New(handlers ...slog.Handler) (*slog.Logger, error) {
	switch len(handlers) {
	case 0:
		return nil, errors.New("logging: at least one handler is required")
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(&multiHandler{handlers: handlers}), nil
	}
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// multiHandler sends each record to every handler that accepts its level
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h.WithAttrs(attrs))
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h.WithGroup(name))
	}
	return &multiHandler{handlers: handlers}
}

// timestamp is the format used for fluent records
func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
