package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polydeck/terminal/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	assert.NoError(t, err)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "polydeck.db", cfg.DatabasePath)
	assert.Equal(t, "config/risk.json", cfg.RiskConfigPath)
	assert.Equal(t, "config/sentinel.yaml", cfg.SentinelConfig)
	assert.False(t, cfg.TelemetryEnabled())
	assert.Equal(t, 10000, cfg.ShutdownTimeoutMS)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9000"
log_level: debug
database_path: /tmp/audit.db
kafka_brokers:
  - localhost:9092
kafka_topic: events
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	assert.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/audit.db", cfg.DatabasePath)
	assert.True(t, cfg.TelemetryEnabled())
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	// Unset keys keep their defaults.
	assert.Equal(t, "config/risk.json", cfg.RiskConfigPath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLYDECK_LISTEN_ADDR", ":7777")
	t.Setenv("POLYDECK_LOG_LEVEL", "warn")

	cfg, err := config.Load("")
	assert.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
}
