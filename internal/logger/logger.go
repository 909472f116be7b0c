// Package logger provides the structured, leveled logging used by both the
// daemon and the client library. It is deliberately thin: a package-level
// default logger backed by log/slog, selectable between a human-readable
// text handler and a JSON handler, with the level adjustable after process
// start (so --debug can be late-bound by the CLI layer).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Level names accepted by SetLevel and the --debug flag wiring in cmd/.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format names accepted by Configure.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, FormatText, programLevel))
)

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Configure rebuilds the default logger to write format-encoded records of
// level and above to w. Called once at startup from cmd/ after flags and
// config are parsed.
func Configure(w io.Writer, format string, level string) {
	programLevel.Set(parseLevel(level))
	defaultLogger = slog.New(newHandler(w, format, programLevel))
}

// SetLevel adjusts the active logging level without rebuilding handlers.
func SetLevel(level string) {
	programLevel.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debugf logs a formatted message at debug level. Used throughout the
// client's best-effort fallback paths: transport errors are logged here
// and swallowed, never propagated to the caller.
func Debugf(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelDebug, sprintf(format, args...))
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelInfo, sprintf(format, args...))
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelWarn, sprintf(format, args...))
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelError, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
