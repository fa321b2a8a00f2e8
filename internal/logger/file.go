package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLogger appends scheduler events to a timestamped log file under a
// log directory and maintains a latest.log symlink pointing at the most
// recent run. It is thread-safe and supports level filtering.
type FileLogger struct {
	logDir   string
	file     *os.File
	filePath string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing under logDir, creating the
// directory if needed. The file is named scheduler-YYYYMMDD-HHMMSS.log.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := fmt.Sprintf("scheduler-%s.log", time.Now().Format("20060102-150405"))
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	// Point latest.log at the new run. Best effort: symlinks may be
	// unavailable on some filesystems.
	latest := filepath.Join(logDir, "latest.log")
	os.Remove(latest)
	_ = os.Symlink(name, latest)

	return &FileLogger{
		logDir:   logDir,
		file:     f,
		filePath: path,
		logLevel: normalizeLogLevel(logLevel),
	}, nil
}

// Path returns the path of the active log file.
func (fl *FileLogger) Path() string {
	return fl.filePath
}

// Close flushes and closes the underlying file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// Tracef logs at trace level (most verbose).
func (fl *FileLogger) Tracef(format string, args ...interface{}) {
	fl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (fl *FileLogger) Debugf(format string, args ...interface{}) {
	fl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func (fl *FileLogger) Infof(format string, args ...interface{}) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func (fl *FileLogger) Warnf(format string, args ...interface{}) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func (fl *FileLogger) Errorf(format string, args ...interface{}) {
	fl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return
	}
	fmt.Fprintf(fl.file, "[%s] [%s] %s\n", timestamp(), level, message)
}

// Multi fans log calls out to several loggers, typically console plus
// file.
type Multi struct {
	Loggers []Logger
}

// NewMulti creates a Multi from the given loggers, skipping nils.
func NewMulti(loggers ...Logger) *Multi {
	m := &Multi{}
	for _, l := range loggers {
		if l != nil {
			m.Loggers = append(m.Loggers, l)
		}
	}
	return m
}

func (m *Multi) Tracef(format string, args ...interface{}) {
	for _, l := range m.Loggers {
		l.Tracef(format, args...)
	}
}

func (m *Multi) Debugf(format string, args ...interface{}) {
	for _, l := range m.Loggers {
		l.Debugf(format, args...)
	}
}

func (m *Multi) Infof(format string, args ...interface{}) {
	for _, l := range m.Loggers {
		l.Infof(format, args...)
	}
}

func (m *Multi) Warnf(format string, args ...interface{}) {
	for _, l := range m.Loggers {
		l.Warnf(format, args...)
	}
}

func (m *Multi) Errorf(format string, args ...interface{}) {
	for _, l := range m.Loggers {
		l.Errorf(format, args...)
	}
}
