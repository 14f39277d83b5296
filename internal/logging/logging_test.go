package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	for level, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	} {
		logger, err := New(level, "json", "rfidgw")
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(want), "level %q", level)
		if want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(want-1), "level %q", level)
		}
	}
}

func TestNew_Console(t *testing.T) {
	logger, err := New("info", "console", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
