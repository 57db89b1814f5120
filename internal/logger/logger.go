// Package logger is roost's logging facade. Call sites use printf-shaped
// helpers (Debug/Info/Warn/Error); underneath, records go through a
// log/slog text handler with a runtime-adjustable level, so the verbosity
// of a live server can be changed without rebuilding loggers at every
// call site.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// level gates records before formatting; slog.LevelVar makes runtime
// adjustment race-free.
var level slog.LevelVar

// current holds the active slog.Logger. Swapped atomically by SetOutput so
// concurrent logging never sees a half-built handler.
var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(newTextLogger(os.Stdout))
}

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// SetLevel sets the minimum level by name (DEBUG, INFO, WARN, ERROR,
// case-insensitive). Unknown names leave the level unchanged.
func SetLevel(name string) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "INFO":
		level.Set(slog.LevelInfo)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	current.Store(newTextLogger(w))
}

// logf formats lazily: below-level records return before Sprintf runs.
func logf(l slog.Level, format string, v ...any) {
	if l < level.Level() {
		return
	}
	current.Load().Log(context.Background(), l, fmt.Sprintf(format, v...))
}

func Debug(format string, v ...any) {
	logf(slog.LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	logf(slog.LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	logf(slog.LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	logf(slog.LevelError, format, v...)
}
