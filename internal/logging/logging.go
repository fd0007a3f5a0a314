// Package logging builds the process logger from configuration.
//
// Components that live for the whole process take a logr.Logger; request
// handlers pull a *slog.Logger from the request context with slogcontext.
// Both are backed by the same slog handler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
	slogcontext "github.com/veqryn/slog-context"
)

// ParseLevel maps a configuration string to a slog level.
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
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

// New returns a logger writing to w in the given format ("text" or "json").
// The handler is wrapped so attributes added to a context with
// slogcontext.With show up on every record logged with that context.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(slogcontext.NewHandler(handler, nil)), nil
}

// Logr adapts a slog logger for components that take a logr.Logger.
func Logr(l *slog.Logger) logr.Logger {
	return logr.FromSlogHandler(l.Handler())
}

// IntoContext stores l in ctx for slogcontext.FromCtx.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return slogcontext.NewCtx(ctx, l)
}
