// Package logging provides the structured-logging facade used across the
// module. It wraps github.com/rs/zerolog behind a small level-oriented API
// so callers never import zerolog directly.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel is the facade's own level enum, mapped onto zerolog's levels.
// It carries the four levels the environment contract in §6 names
// ({ERROR, NOTICE, INFO, DEBUG}), with Notice sitting between Info and
// Warn severity for messages worth surfacing but not actionable.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelNotice:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger wraps a zerolog.Logger with the facade's level-method surface.
type Logger struct {
	z zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration: info level to
// stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger from config, defaulting missing fields.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	z := zerolog.New(output).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{z: z}
}

// Default returns the package-level default logger, creating one lazily.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the package-level default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) event(level LogLevel, msg string, args ...any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.z.Debug()
	case LevelInfo, LevelNotice:
		ev = l.z.Info()
	case LevelWarn:
		ev = l.z.Warn()
	default:
		ev = l.z.Error()
	}
	if level == LevelNotice {
		ev = ev.Bool("notice", true)
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any)  { l.event(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)   { l.event(LevelInfo, msg, args...) }
func (l *Logger) Notice(msg string, args ...any) { l.event(LevelNotice, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)   { l.event(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any)  { l.event(LevelError, msg, args...) }

// With returns a child logger with a persistent key-value field attached,
// used by components that want every subsequent line tagged (e.g. with a
// session or peer identity).
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger()}
}

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any)  { Default().Debug(msg, args...) }
func Info(msg string, args ...any)   { Default().Info(msg, args...) }
func Notice(msg string, args ...any) { Default().Notice(msg, args...) }
func Warn(msg string, args ...any)   { Default().Warn(msg, args...) }
func Error(msg string, args ...any)  { Default().Error(msg, args...) }
