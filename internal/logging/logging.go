// Package logging sets up slog for the process and hands out
// per-component loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar) // supports runtime changes via SetLevel

// Init configures the global slog logger to write to stderr. Call once at
// startup. levelStr is "debug", "info", "warn" or "error" (default info);
// format is "text" or "json" (default text).
func Init(levelStr, format string) {
	InitWriter(os.Stderr, levelStr, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, levelStr, format string) {
	parseLevel(levelStr)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// For returns a logger tagged with the given component name. It resolves
// slog.Default() on every call, so package-level loggers follow later
// changes to the default, including CaptureForTest.
func For(component string) *slog.Logger {
	return slog.New(&dynamicHandler{component: component})
}

// SetLevel changes the log level at runtime. Useful in tests.
func SetLevel(l slog.Level) {
	level.Set(l)
}

func parseLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// dynamicHandler forwards to slog.Default().Handler(), adding the
// component and any attributes bound with With.
type dynamicHandler struct {
	component string
	attrs     []slog.Attr
}

func (h *dynamicHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	r.AddAttrs(h.attrs...)
	return slog.Default().Handler().Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &dynamicHandler{
		component: h.component,
		attrs:     append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

// WithGroup is a no-op: component loggers log flat attributes.
func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return h
}
