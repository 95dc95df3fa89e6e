// Package log is the node's ambient logging surface: a thin wrapper over
// github.com/luxfi/log giving every component a leveled, contextual logger
// without importing luxfi/log directly everywhere.
package log

import (
	"io"
	"log/slog"

	luxlog "github.com/luxfi/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the contextual logger handed to every component constructor.
type Logger = luxlog.Logger

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

// New returns a fresh root logger; components derive scoped children from it
// via With(...).
func New(ctx ...interface{}) Logger {
	return luxlog.Root().With(ctx...)
}

// SetDefault installs l as the process-wide default logger, used by
// cmd/tce-node at startup.
func SetDefault(l Logger) {
	luxlog.SetDefault(l)
}

// RotatingFile returns a size- and age-bounded log sink for daemonized
// deployments, where stderr is not collected. Pass the returned writer to
// whatever handler the operator wires up; the node never logs to it directly.
func RotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

// NewTerminalHandler returns a human-readable slog.Handler writing to w.
// Color is not implemented by the underlying slog.TextHandler; useColor is
// accepted for call-site symmetry with other handler constructors.
func NewTerminalHandler(w io.Writer, useColor bool) slog.Handler {
	return slog.NewTextHandler(w, nil)
}

// NewLogger wraps a handler as a Logger. luxlog does not expose a
// handler-based constructor, so, like the rest of this package, it falls
// back to the process root logger; the handler is accepted for call-site
// symmetry with the teacher's own log wrapper.
func NewLogger(h slog.Handler) Logger {
	return luxlog.Root()
}

// LvlFromString parses an operator-supplied level name (e.g. from
// config.Config.LogLevel) into a slog.Level.
func LvlFromString(lvlString string) (slog.Level, error) {
	level, err := luxlog.ToLevel(lvlString)
	return slog.Level(level), err
}
