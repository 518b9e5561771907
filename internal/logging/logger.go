package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON at Info, development uses tint's coloured text at
// Debug.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(env, os.Stdout)
}

// NewLoggerTo is NewLogger writing to w. The stdio MCP server logs to
// stderr because stdout carries the protocol.
func NewLoggerTo(env string, w io.Writer) *slog.Logger {
	return slog.New(newHandler(env, w))
}

func newHandler(env string, w io.Writer) slog.Handler {
	if env == "production" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	return tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(w),
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Discard returns a logger that drops every record. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
