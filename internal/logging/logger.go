package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level controls which messages a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown values fall back
// to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured logging for the worker
type Logger struct {
	prefix   string
	fields   string
	minLevel Level
	logger   *log.Logger
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	return NewLoggerWithOptions(prefix, os.Stdout, LevelInfo)
}

// NewLoggerWithOptions creates a logger writing to out at the given level.
func NewLoggerWithOptions(prefix string, out io.Writer, minLevel Level) *Logger {
	return &Logger{
		prefix:   prefix,
		minLevel: minLevel,
		logger:   log.New(out, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// With returns a child logger whose messages always carry the given
// key-value pairs. Used to pin a document ID through a pipeline run.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix:   l.prefix,
		fields:   l.fields + formatKV(keysAndValues),
		minLevel: l.minLevel,
		logger:   l.logger,
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelInfo, "INFO", msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelWarn, "WARN", msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelError, "ERROR", msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelDebug, "DEBUG", msg, keysAndValues...)
}

func (l *Logger) logWithKV(level Level, tag, msg string, keysAndValues ...interface{}) {
	if level < l.minLevel {
		return
	}
	l.logger.Printf("[%s] %s%s%s", tag, msg, l.fields, formatKV(keysAndValues))
}

func formatKV(keysAndValues []interface{}) string {
	kvStr := ""
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			kvStr += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
		}
	}
	return kvStr
}
