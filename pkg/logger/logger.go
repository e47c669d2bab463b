// Package logger provides the structured logger used across the job launcher.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog logger with a component name and accumulated fields.
type Logger struct {
	zl        zerolog.Logger
	component string
}

// NewDefault returns a logger for the given component writing to stderr at
// the level named by LOG_LEVEL (info when unset or unknown).
func NewDefault(component string) *Logger {
	return New(component, os.Getenv("LOG_LEVEL"), os.Stderr)
}

// New builds a logger with an explicit level and output.
func New(component, level string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	zl := zerolog.New(out).Level(parseLevel(level)).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{zl: zl, component: component}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetOutput redirects the logger output. Used by tests to silence logging.
func (l *Logger) SetOutput(out io.Writer) {
	l.zl = l.zl.Output(out)
}

// WithField returns a child logger carrying the field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		zl:        l.zl.With().Interface(key, value).Logger(),
		component: l.component,
	}
}

// WithError returns a child logger carrying the error.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zl:        l.zl.With().Err(err).Logger(),
		component: l.component,
	}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }
