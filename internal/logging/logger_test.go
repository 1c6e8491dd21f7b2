package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debug("debug message", "key", "value")
	require.Contains(t, buf.String(), "debug message")
	require.Contains(t, buf.String(), "\"key\":\"value\"")

	buf.Reset()
	logger.Info("info message")
	require.Contains(t, buf.String(), "info message")

	buf.Reset()
	logger.Notice("notice message")
	require.Contains(t, buf.String(), "notice message")
	require.Contains(t, buf.String(), "\"notice\":true")

	buf.Reset()
	logger.Warn("warn message")
	require.Contains(t, buf.String(), "warn message")

	buf.Reset()
	logger.Error("error message")
	require.Contains(t, buf.String(), "error message")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be suppressed")
	require.Empty(t, buf.String())

	logger.Warn("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	sessionLogger := logger.With("session", "peer-a/EXP")
	sessionLogger.Info("subscribed")

	require.Contains(t, buf.String(), "peer-a/EXP")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

	Debug("debug message")
	require.Contains(t, buf.String(), "debug message")

	buf.Reset()
	Info("info message")
	require.Contains(t, buf.String(), "info message")

	buf.Reset()
	Notice("notice message")
	require.Contains(t, buf.String(), "notice message")

	buf.Reset()
	Warn("warn message")
	require.Contains(t, buf.String(), "warn message")

	buf.Reset()
	Error("error message")
	require.Contains(t, buf.String(), "error message")
}
