// Package logging configures the structured logger shared by the
// supervisor, driver, and agent.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a slog.Logger configured with the given level, format, and
// output path. level is one of "debug", "info" (default), "warn", "error".
// format is "text" (default) or "json". If path is empty, logs go to
// stderr; otherwise they go to stderr and the named file. The returned
// io.Closer must be closed on shutdown; it is a no-op when path is empty.
func New(level, format, path string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stderr only)\n", path, err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
