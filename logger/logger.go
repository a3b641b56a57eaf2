// Package logger provides the proxy's structured logger. It keeps the
// key/value calling convention this codebase uses at every call site while
// delegating encoding and level filtering to zap.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log level
type Level int

const (
	// DebugLevel for debug messages
	DebugLevel Level = iota
	// InfoLevel for informational messages
	InfoLevel
	// WarnLevel for warning messages
	WarnLevel
	// ErrorLevel for error messages
	ErrorLevel
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger represents a structured logger
type Logger struct {
	level  Level
	format string // "json" or "text"
	writer io.Writer
	zap    *zap.SugaredLogger
}

// New creates a new logger
func New(level Level, format string, writer io.Writer) *Logger {
	if writer == nil {
		writer = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.MessageKey = "message"
	encoderCfg.LevelKey = "level"
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if format == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		format = "json"
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(writer), level.zapLevel())
	return &Logger{
		level:  level,
		format: format,
		writer: writer,
		zap:    zap.New(core).Sugar(),
	}
}

// Default returns a default logger (info level, JSON format, stderr)
func Default() *Logger {
	return New(InfoLevel, "json", os.Stderr)
}

// IsDebug returns true if debug logging is enabled
func (l *Logger) IsDebug() bool {
	return l.level <= DebugLevel
}

// Debug logs a debug message with optional fields
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.zap.Debugw(msg, evenFields(fields)...)
}

// Info logs an info message with optional fields
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.zap.Infow(msg, evenFields(fields)...)
}

// Warn logs a warning message with optional fields
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.zap.Warnw(msg, evenFields(fields)...)
}

// Error logs an error message with optional fields
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.zap.Errorw(msg, evenFields(fields)...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// evenFields drops a trailing key with no value so odd-length field lists
// don't panic zap's key/value scanning.
func evenFields(fields []interface{}) []interface{} {
	if len(fields)%2 == 0 {
		return fields
	}
	return fields[:len(fields)-1]
}
