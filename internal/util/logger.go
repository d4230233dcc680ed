package util

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

type Logger = *slog.Logger

// NewLogger returns a logger that writes Debug and Info records to stdout
// and Warn and above to stderr, so probe reports stay separable from
// transport errors when both streams are redirected.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(newSplitHandler(level))
}

// ParseLevel maps a config string to a slog level. The empty string
// means Info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type splitHandler struct {
	out slog.Handler
	err slog.Handler
	min slog.Level
}

func newSplitHandler(min slog.Level) *splitHandler {
	opts := &slog.HandlerOptions{Level: min}
	return &splitHandler{
		out: slog.NewTextHandler(os.Stdout, opts),
		err: slog.NewTextHandler(os.Stderr, opts),
		min: min,
	}
}

func (h *splitHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *splitHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelWarn {
		return h.err.Handle(ctx, rec)
	}
	return h.out.Handle(ctx, rec)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs), min: h.min}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name), min: h.min}
}
