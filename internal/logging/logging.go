package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures the process-wide default slog logger on stderr.
// format is "text" (default) or "json".
func Init(verbose bool, format string) {
	slog.SetDefault(New(os.Stderr, verbose, format))
}

// New builds a logger writing to w.
func New(w io.Writer, verbose bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
