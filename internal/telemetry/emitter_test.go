package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/polydeck/terminal/internal/telemetry"
)

func TestNopEmitterDiscards(t *testing.T) {
	var e telemetry.Emitter = telemetry.Nop{}
	e.Emit("test.event", map[string]any{"k": "v"})
	e.Emit("test.event", nil)
}

func TestNewPublisher(t *testing.T) {
	p := telemetry.NewPublisher([]string{"localhost:9092"}, "polydeck.events", zap.NewNop())
	assert.NotNil(t, p)
	// Closing a never-dialed writer is safe.
	assert.NoError(t, p.Close())
}
