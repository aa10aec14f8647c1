// Package logging provides the leveled logger used across the synchronizer.
// It wraps zerolog with a console writer so that progress lines stay human
// readable and warnings stand out.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

type Config struct {
	Level  int
	Output io.Writer // defaults to stderr
}

type Logger struct {
	logger zerolog.Logger
	level  int
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}

	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}

	return &Logger{
		logger: zerolog.New(writer).Level(zerologLevel(c.Level)).With().Timestamp().Logger(),
		level:  c.Level,
	}
}

func zerologLevel(level int) zerolog.Level {
	switch level {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithField returns a child logger that annotates every line with the field.
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{logger: l.logger.With().Str(key, value).Logger(), level: l.level}
}

func (l *Logger) Level() int {
	return l.level
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}
