// Package logging builds the process slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// New returns a handler writing to stdout. Format "text" or an interactive
// terminal gets colorized tint output; anything else gets JSON.
func New(format, level string) slog.Handler {
	return NewWithWriter(os.Stdout, format, level, isTerminal(os.Stdout))
}

// NewWithWriter is New for an explicit writer. tty reports whether w is an
// interactive terminal.
func NewWithWriter(w io.Writer, format, level string, tty bool) slog.Handler {
	lvl := ParseLevel(level)
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "text":
		return tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly, NoColor: !tty})
	}
	if tty {
		return tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
}

// ParseLevel maps debug, info, warn and error; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
