package core

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologConfig configures a ZerologLogger.
type ZerologConfig struct {
	// Level is one of debug, info, warn, error, silent.
	Level string `yaml:"level" json:"level"`

	// Format is "text" for a human-readable console writer or "json".
	Format string `yaml:"format" json:"format"`

	// Output is "stderr" (default) or "stdout".
	Output string `yaml:"output" json:"output"`

	// Component is attached to every event as the "component" field.
	Component string `yaml:"-" json:"-"`
}

// ZerologLogger adapts a zerolog.Logger to the SDK Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a structured logger from cfg.
func NewZerologLogger(cfg ZerologConfig) (*ZerologLogger, error) {
	var out io.Writer = os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}
	return newZerologLogger(out, cfg)
}

func newZerologLogger(out io.Writer, cfg ZerologConfig) (*ZerologLogger, error) {
	lvl, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	zctx := zerolog.New(out).Level(zerologLevel(lvl)).With().Timestamp()
	if cfg.Component != "" {
		zctx = zctx.Str("component", cfg.Component)
	}

	return &ZerologLogger{logger: zctx.Logger()}, nil
}

// WrapZerolog adapts an existing zerolog.Logger.
func WrapZerolog(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelSilent:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Zerolog returns the underlying logger for callers that want typed fields.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.logger
}

func (l *ZerologLogger) Debug(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Info(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warn(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Error(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}
