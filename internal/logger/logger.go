// Package logger provides leveled logging for the scheduler.
//
// Implementations are thread-safe. All output is prefixed with
// [HH:MM:SS] timestamps, and color output is enabled automatically for
// terminal destinations.
package logger

import (
	"strings"
	"time"
)

// Logger is the narrow logging interface consumed by the engine, the
// trigger sources, and the result-handler router.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Log level constants for filtering.
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// normalizeLogLevel lowercases and validates a log level string,
// defaulting to "info" for empty or unknown levels.
func normalizeLogLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	switch l {
	case "trace", "debug", "info", "warn", "error":
		return l
	}
	return "info"
}

// timestamp returns the current time formatted as HH:MM:SS.
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// Nop is a Logger that discards everything. Useful as a default when
// callers pass nil.
type Nop struct{}

func (Nop) Tracef(string, ...interface{}) {}
func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}

// OrNop returns l, or a Nop logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
