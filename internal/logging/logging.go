// Package logging configures the process-wide slog default used by
// every component. CLI commands that print structured output disable
// it to keep stdout clean.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Setup installs the default text handler. Verbose enables debug level.
func Setup(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// Disable routes all log output to io.Discard. Used by commands whose
// stdout is machine-consumed (--json).
func Disable() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
