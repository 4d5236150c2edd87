// Package core holds the Logger the client, the sources and the pipeline
// report through, and the stock implementations behind it.
//
// Components built without an explicit logger use the process default. It
// writes warnings and errors to stderr, so a rejected batch is never silent.
// The agent replaces it with a ZerologLogger at startup.
package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger is the printf-style logging interface of the SDK.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// LogLevel represents the logging level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelSilent
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "SILENT"}

func (l LogLevel) String() string {
	if l < LogLevelDebug || l > LogLevelSilent {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLogLevel maps "debug", "info", "warn", "error" and "silent" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "silent", "off":
		return LogLevelSilent, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// StdLogger is a leveled Logger on top of the standard log package.
// Lines look like "2026/10/14 09:00:00 [devicecontext] WARN batch 0 rejected".
type StdLogger struct {
	level  LogLevel
	prefix string
	out    *log.Logger
}

// NewStdLogger writes messages at or above level to w.
func NewStdLogger(w io.Writer, prefix string, level LogLevel) *StdLogger {
	return &StdLogger{
		level:  level,
		prefix: prefix,
		out:    log.New(w, "", log.LstdFlags),
	}
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(LogLevelDebug, format, args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(LogLevelInfo, format, args...)
}

func (l *StdLogger) Warn(format string, args ...interface{}) {
	l.logf(LogLevelWarn, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(LogLevelError, format, args...)
}

func (l *StdLogger) logf(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix == "" {
		l.out.Printf("%s %s", level, msg)
		return
	}
	l.out.Printf("[%s] %s %s", l.prefix, level, msg)
}

// NopLogger discards all messages.
type NopLogger struct{}

func (l *NopLogger) Debug(format string, args ...interface{}) {}
func (l *NopLogger) Info(format string, args ...interface{})  {}
func (l *NopLogger) Warn(format string, args ...interface{})  {}
func (l *NopLogger) Error(format string, args ...interface{}) {}

func newDefaultLogger() *StdLogger {
	return NewStdLogger(os.Stderr, "devicecontext", LogLevelWarn)
}

var defaultLogger Logger = newDefaultLogger()

// SetDefaultLogger replaces the process default. nil silences it.
func SetDefaultLogger(logger Logger) {
	if logger == nil {
		logger = &NopLogger{}
	}
	defaultLogger = logger
}

// GetDefaultLogger returns the process default logger.
func GetDefaultLogger() Logger {
	return defaultLogger
}

// LoggerFromVerbose returns a stdout logger that prints every level when
// verbose is set, and a NopLogger otherwise.
func LoggerFromVerbose(prefix string, verbose bool) Logger {
	if verbose {
		return NewStdLogger(os.Stdout, prefix, LogLevelDebug)
	}
	return &NopLogger{}
}

var (
	_ Logger = (*StdLogger)(nil)
	_ Logger = (*NopLogger)(nil)
	_ Logger = (*ZerologLogger)(nil)
)
