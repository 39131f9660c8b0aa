package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHelpersSafeBeforeInit(t *testing.T) {
	prev := Log
	Log = nil
	defer func() { Log = prev }()

	assert.NotPanics(t, func() {
		Info("info without init")
		Warn("warn without init", zap.String("k", "v"))
		Debug("debug without init")
		Error("error without init")
		Sync()
	})
	assert.NotNil(t, GetLogger())
}

func TestInitRejectsInvalidLevel(t *testing.T) {
	err := Init("loud", "json", "stdout")
	require.Error(t, err)
}

func TestInitConfiguresGlobalLogger(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	require.NoError(t, Init("debug", "json", "stdout"))
	assert.NotNil(t, Log)
	assert.Same(t, Log, GetLogger())
}
