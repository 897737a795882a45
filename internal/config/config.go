// Package config loads the application configuration. Values come from an
// optional config file, overridden by POLYDECK_* environment variables.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	ListenAddr        string   `mapstructure:"listen_addr"`
	LogLevel          string   `mapstructure:"log_level"`
	DatabasePath      string   `mapstructure:"database_path"`
	RiskConfigPath    string   `mapstructure:"risk_config_path"`
	SentinelConfig    string   `mapstructure:"sentinel_config_path"`
	KafkaBrokers      []string `mapstructure:"kafka_brokers"`
	KafkaTopic        string   `mapstructure:"kafka_topic"`
	CORSOrigins       []string `mapstructure:"cors_origins"`
	GinReleaseMode    bool     `mapstructure:"gin_release_mode"`
	ShutdownTimeoutMS int      `mapstructure:"shutdown_timeout_ms"`
}

// Load reads configuration from the given file path (optional) and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "polydeck.db")
	v.SetDefault("risk_config_path", "config/risk.json")
	v.SetDefault("sentinel_config_path", "config/sentinel.yaml")
	v.SetDefault("kafka_topic", "polydeck.events")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("gin_release_mode", true)
	v.SetDefault("shutdown_timeout_ms", 10000)

	v.SetEnvPrefix("POLYDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TelemetryEnabled reports whether a kafka sink is configured.
func (c *Config) TelemetryEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
