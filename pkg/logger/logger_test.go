package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/polydeck/terminal/pkg/logger"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		l, err := logger.New(level)
		assert.NoError(t, err)
		assert.NotNil(t, l)
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := logger.New("verbose")
	assert.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}
