package sentinel

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Default windows applied to triggers and markets that omit them.
const (
	defaultDebounceSeconds       = 60
	defaultTimeWindowSeconds     = 300
	defaultBaselineWindowSeconds = 3600
	defaultCooldownSeconds       = 300
	defaultExpirySeconds         = 300
	defaultGlobalCooldown        = 60
	defaultMaxPerHour            = 10
	defaultPollInterval          = 5 * time.Second
)

// rawTrigger mirrors TriggerCondition with string-typed decimals, since the
// yaml decoder has no text-unmarshal path for decimal.Decimal.
type rawTrigger struct {
	Type                  TriggerType `yaml:"type"`
	Threshold             string      `yaml:"threshold"`
	SuggestedSide         string      `yaml:"side"`
	DebounceSeconds       int         `yaml:"debounce_seconds"`
	TimeWindowSeconds     int         `yaml:"time_window_seconds"`
	BaselineWindowSeconds int         `yaml:"baseline_window_seconds"`
	HysteresisPct         string      `yaml:"hysteresis_pct"`
}

// UnmarshalYAML decodes a trigger with quoted-string thresholds.
func (c *TriggerCondition) UnmarshalYAML(node *yaml.Node) error {
	var raw rawTrigger
	if err := node.Decode(&raw); err != nil {
		return err
	}

	c.Type = raw.Type
	c.SuggestedSide = raw.SuggestedSide
	c.DebounceSeconds = raw.DebounceSeconds
	c.TimeWindowSeconds = raw.TimeWindowSeconds
	c.BaselineWindowSeconds = raw.BaselineWindowSeconds

	if raw.Threshold != "" {
		d, err := decimal.NewFromString(raw.Threshold)
		if err != nil {
			return fmt.Errorf("invalid threshold %q: %w", raw.Threshold, err)
		}
		c.Threshold = d
	}
	if raw.HysteresisPct != "" {
		d, err := decimal.NewFromString(raw.HysteresisPct)
		if err != nil {
			return fmt.Errorf("invalid hysteresis_pct %q: %w", raw.HysteresisPct, err)
		}
		c.HysteresisPct = d
	}
	return nil
}

// DefaultSentinelConfig returns a config with no watched markets and the
// standard rate limits.
func DefaultSentinelConfig() SentinelConfig {
	return SentinelConfig{
		GlobalCooldownSeconds: defaultGlobalCooldown,
		MaxProposalsPerHour:   defaultMaxPerHour,
		PollInterval:          defaultPollInterval,
	}
}

// LoadSentinelConfig reads a watch-list YAML file. A missing file yields the
// defaults; a malformed file is an error since a silently-empty watch list
// would disable monitoring without anyone noticing.
func LoadSentinelConfig(path string, logger *zap.Logger) (SentinelConfig, error) {
	cfg := DefaultSentinelConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("no sentinel config found, using defaults", zap.String("path", path))
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read sentinel config: %w", err)
	}

	var raw struct {
		WatchedMarkets        []WatchedMarket `yaml:"watched_markets"`
		GlobalCooldownSeconds int             `yaml:"global_cooldown_seconds"`
		MaxProposalsPerHour   int             `yaml:"max_proposals_per_hour"`
		PollIntervalSeconds   float64         `yaml:"poll_interval_seconds"`
		EnableNewsCorrelation bool            `yaml:"enable_news_correlation"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse sentinel config: %w", err)
	}

	cfg.WatchedMarkets = raw.WatchedMarkets
	cfg.GlobalCooldownSeconds = raw.GlobalCooldownSeconds
	cfg.MaxProposalsPerHour = raw.MaxProposalsPerHour
	cfg.EnableNewsCorrelation = raw.EnableNewsCorrelation
	if raw.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(raw.PollIntervalSeconds * float64(time.Second))
	} else {
		cfg.PollInterval = defaultPollInterval
	}
	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	logger.Info("sentinel config loaded",
		zap.String("path", path),
		zap.Int("watched_markets", len(cfg.WatchedMarkets)))
	return cfg, nil
}

func applyDefaults(cfg *SentinelConfig) {
	if cfg.GlobalCooldownSeconds <= 0 {
		cfg.GlobalCooldownSeconds = defaultGlobalCooldown
	}
	if cfg.MaxProposalsPerHour <= 0 {
		cfg.MaxProposalsPerHour = defaultMaxPerHour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	for i := range cfg.WatchedMarkets {
		m := &cfg.WatchedMarkets[i]
		if m.CooldownSeconds <= 0 {
			m.CooldownSeconds = defaultCooldownSeconds
		}
		if m.ExpirySeconds <= 0 {
			m.ExpirySeconds = defaultExpirySeconds
		}
		for j := range m.Triggers {
			t := &m.Triggers[j]
			if t.DebounceSeconds <= 0 {
				t.DebounceSeconds = defaultDebounceSeconds
			}
			if t.TimeWindowSeconds <= 0 {
				t.TimeWindowSeconds = defaultTimeWindowSeconds
			}
			if t.BaselineWindowSeconds <= 0 {
				t.BaselineWindowSeconds = defaultBaselineWindowSeconds
			}
			if t.HysteresisPct.IsZero() {
				t.HysteresisPct = decimal.NewFromFloat(0.02)
			}
		}
	}
}

func validate(cfg SentinelConfig) error {
	known := map[TriggerType]bool{
		TriggerPriceBelow:      true,
		TriggerPriceAbove:      true,
		TriggerSpreadAbove:     true,
		TriggerSpreadBelow:     true,
		TriggerVolumeSpike:     true,
		TriggerImbalanceBuy:    true,
		TriggerImbalanceSell:   true,
		TriggerMarketReopen:    true,
		TriggerNewsCorrelation: true,
	}
	for _, m := range cfg.WatchedMarkets {
		if m.MarketID == "" {
			return fmt.Errorf("watched market missing market_id")
		}
		if m.Provider == "" {
			return fmt.Errorf("watched market %s missing provider", m.MarketID)
		}
		for _, t := range m.Triggers {
			if !known[t.Type] {
				return fmt.Errorf("market %s: unknown trigger type %q", m.MarketID, t.Type)
			}
		}
	}
	return nil
}
