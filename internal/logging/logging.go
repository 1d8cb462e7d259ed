// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Setup builds the shared logger and calls slog.SetDefault so the stdlib log
// package also routes through the same handler. format is "text" or "json".
func Setup(debug bool, format string) *slog.Logger {
	logger := New(os.Stderr, debug, format)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w without installing it as the default.
func New(w io.Writer, debug bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // include file:line in debug mode
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
