// Package logging provides the session-wide logger: a rotating run-log file
// plus env-gated debug output to stderr, in the same spirit as the teacher
// CLI's BD_DEBUG-gated console logging.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how run logs are written.
type Config struct {
	// File is the rotating log file path. Empty disables file logging.
	File string
	// MaxSizeMB is the size in megabytes before a log file is rotated.
	MaxSizeMB int
	// MaxBackups is the number of old log files to retain.
	MaxBackups int
	// MaxAgeDays is the maximum number of days to retain old log files.
	MaxAgeDays int
	// Debug mirrors KILN_DEBUG: when true, Debugf also prints to stderr.
	Debug bool
}

// Logger is a small leveled logger: a persistent rotating file sink plus
// optional stderr debug echoing. It is safe for concurrent use across
// workspace slots.
type Logger struct {
	mu     sync.Mutex
	file   io.WriteCloser
	debug  bool
	stderr io.Writer
}

// New builds a Logger from Config. A zero Config yields a stderr-only logger.
func New(cfg Config) *Logger {
	l := &Logger{stderr: os.Stderr, debug: cfg.Debug || os.Getenv("KILN_DEBUG") != ""}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 20),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	return l
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339Nano), level, fmt.Sprintf(format, args...))
	if l.file != nil {
		_, _ = l.file.Write([]byte(line))
	}
	if level == "DEBUG" && !l.debug {
		return
	}
	if level == "ERROR" || level == "WARN" || l.debug {
		_, _ = fmt.Fprint(l.stderr, line)
	}
}

// Debugf logs at debug level; only echoed to stderr when KILN_DEBUG is set.
func (l *Logger) Debugf(format string, args ...interface{}) { l.write("DEBUG", format, args...) }

// Infof logs at info level to the file sink; it is echoed to stderr only
// when debug output is enabled (matching the teacher's quiet-by-default
// console philosophy).
func (l *Logger) Infof(format string, args ...interface{}) { l.write("INFO", format, args...) }

// Warnf logs at warn level, always echoed to stderr.
func (l *Logger) Warnf(format string, args ...interface{}) { l.write("WARN", format, args...) }

// Errorf logs at error level, always echoed to stderr.
func (l *Logger) Errorf(format string, args ...interface{}) { l.write("ERROR", format, args...) }

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Nop returns a Logger that discards everything but stderr warnings/errors,
// suitable as a default when the caller supplies no Config.
func Nop() *Logger { return New(Config{}) }
