package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fintt/settlement-engine/internal/config"
)

func TestNew(t *testing.T) {
	logger, cleanup, err := New(config.Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	defer cleanup()

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_Console(t *testing.T) {
	logger, cleanup, err := New(config.Logging{Level: "debug", Format: "console"})
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New(config.Logging{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, _, err = New(config.Logging{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
