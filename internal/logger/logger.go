// Package logger provides the server's file log: timestamped append with
// size-triggered rotation into gzip archives.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Level represents a logging level.
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "info", "INFO":
		return LevelInfo
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	case "none", "NONE":
		return LevelNone
	default:
		return LevelInfo
	}
}

// sourceTag marks every line as originating from the server process.
const sourceTag = "[S]"

// Logger appends timestamped lines to a single active log file and rotates
// it into a timestamped gzip archive once it exceeds the size cap. All
// writes, including the rotation they may trigger, are serialized under one
// mutex.
type Logger struct {
	mu       sync.Mutex
	level    Level
	path     string
	dir      string
	file     *os.File
	maxBytes int64
	disabled bool

	// warnedWriteFailure limits the stderr complaint about an unwritable
	// log file to a single occurrence.
	warnedWriteFailure bool
}

var (
	globalLogger *Logger
	once         sync.Once
)

// New creates a Logger appending to logPath, rotating past maxSizeMB
// megabytes. An empty path or LevelNone yields a disabled logger.
func New(level Level, logPath string, maxSizeMB int) (*Logger, error) {
	l := &Logger{
		level:    level,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
	}
	if maxSizeMB <= 0 {
		l.maxBytes = 10 * 1024 * 1024
	}

	if level == LevelNone || logPath == "" {
		l.disabled = true
		return l, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l.path = logPath
	l.dir = dir
	l.file = file
	return l, nil
}

// Init initializes the global logger.
func Init(level Level, logPath string, maxSizeMB int) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(level, logPath, maxSizeMB)
	})
	return err
}

// Global returns the global logger instance, a disabled one if Init was
// never called.
func Global() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{level: LevelNone, disabled: true}
	}
	return globalLogger
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetMaxSizeMB changes the rotation threshold.
func (l *Logger) SetMaxSizeMB(maxSizeMB int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxSizeMB > 0 {
		l.maxBytes = int64(maxSizeMB) * 1024 * 1024
	}
}

// Log appends one line regardless of level:
//
//	[<ISO-8601 UTC>] [S] <message>
//
// and rotates the file when it has grown past the size cap.
func (l *Logger) Log(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(message)
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled || level < l.level {
		return
	}
	l.write(fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// write appends one formatted line and drives rotation. Caller holds l.mu.
func (l *Logger) write(message string) {
	if l.disabled || l.file == nil {
		return
	}
	line := formatLine(message)
	if _, err := l.file.WriteString(line); err != nil {
		l.complainOnce("log write failed: " + err.Error())
		return
	}

	info, err := l.file.Stat()
	if err != nil {
		return
	}
	if info.Size() > l.maxBytes {
		l.rotate(info.Size())
	}
}

// rotate renames the active file to a timestamped archive, compresses it and
// opens a fresh file beginning with a rotation marker. Caller holds l.mu.
func (l *Logger) rotate(size int64) {
	stamp := time.Now().UTC().Format("20060102_150405")
	archive := filepath.Join(l.dir, "mcpserver_"+stamp+".log")

	_ = l.file.Close()
	l.file = nil

	if err := os.Rename(l.path, archive); err != nil {
		l.complainOnce("log rotation rename failed: " + err.Error())
		l.reopen()
		return
	}

	compressNote := ""
	if err := gzipFile(archive, archive+".gz"); err != nil {
		// Keep the raw archive; note the failure in the fresh file.
		compressNote = " Compression failed: " + err.Error()
	} else {
		_ = os.Remove(archive)
	}

	l.reopen()
	if l.file != nil {
		marker := fmt.Sprintf("Log rotated. Prev log archived (%dMB).%s", size>>20, compressNote)
		_, _ = l.file.WriteString(formatLine(marker))
	}
}

func (l *Logger) reopen() {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.complainOnce("log reopen failed: " + err.Error())
		return
	}
	l.file = file
}

// complainOnce writes a single diagnostic to stderr; log file trouble must
// never surface to clients.
func (l *Logger) complainOnce(msg string) {
	if l.warnedWriteFailure {
		return
	}
	l.warnedWriteFailure = true
	fmt.Fprintln(os.Stderr, "mcpserve: "+msg)
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func formatLine(message string) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + sourceTag + " " + message + "\n"
}

// gzipFile compresses src into dst.
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// Package-level convenience functions over the global logger.

// Log appends a line through the global logger.
func Log(message string) { Global().Log(message) }

// Debug logs a debug message using the global logger.
func Debug(format string, args ...interface{}) { Global().Debug(format, args...) }

// Info logs an informational message using the global logger.
func Info(format string, args ...interface{}) { Global().Info(format, args...) }

// Warn logs a warning using the global logger.
func Warn(format string, args ...interface{}) { Global().Warn(format, args...) }

// Error logs an error using the global logger.
func Error(format string, args ...interface{}) { Global().Error(format, args...) }
