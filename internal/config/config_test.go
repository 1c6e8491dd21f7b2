package config

import (
	"testing"

	"github.com/ldm7/ldm7/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 388, cfg.LDMPort)
	require.Equal(t, LogDestinationStderr, cfg.LogDestination)
	require.Equal(t, logging.LevelInfo, cfg.LogLevel)
}

func TestLevelFromFlags(t *testing.T) {
	require.Equal(t, logging.LevelDebug, LevelFromFlags(false, true))
	require.Equal(t, logging.LevelDebug, LevelFromFlags(true, true))
	require.Equal(t, logging.LevelInfo, LevelFromFlags(true, false))
	require.Equal(t, logging.LevelNotice, LevelFromFlags(false, false))
}
