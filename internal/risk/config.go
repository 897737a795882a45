package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskConfig is the tunable risk policy. Monetary values are in the account
// base currency (USD/USDC); percentages are decimals (0.1 = 10%). Decimals
// are serialized as strings so the numeric fields round-trip exactly on
// re-save.
type RiskConfig struct {
	// Position size limits
	MaxPositionSizeUSD decimal.Decimal `json:"max_position_size_usd"`
	MaxPositionSizePct decimal.Decimal `json:"max_position_size_pct"`

	// Portfolio concentration
	MaxConcentrationSingleMarket decimal.Decimal `json:"max_concentration_single_market"`
	MaxConcentrationSingleEvent  decimal.Decimal `json:"max_concentration_single_event"`

	// Loss limits
	DailyLossLimitUSD decimal.Decimal `json:"daily_loss_limit_usd"`
	DailyLossLimitPct decimal.Decimal `json:"daily_loss_limit_pct"`
	MaxDrawdownPct    decimal.Decimal `json:"max_drawdown_pct"`

	// Circuit breaker
	CircuitBreakerEnabled         bool `json:"circuit_breaker_enabled"`
	CircuitBreakerCooldownMinutes int  `json:"circuit_breaker_cooldown_minutes"`

	// Price sanity
	MaxPriceDeviationPct decimal.Decimal `json:"max_price_deviation_pct"`

	// Trade frequency
	MaxTradesPerMinute int `json:"max_trades_per_minute"`
	MaxTradesPerHour   int `json:"max_trades_per_hour"`

	// Global switches
	TradingEnabled bool `json:"trading_enabled"`
	AgentsEnabled  bool `json:"agents_enabled"`

	// Per-provider overrides; unset fields fall back to the global value.
	ProviderOverrides map[string]ProviderOverride `json:"provider_overrides,omitempty"`
}

// ProviderOverride carries the subset of policy fields a single provider may
// override. Nil means "use the global value".
type ProviderOverride struct {
	MaxPositionSizeUSD *decimal.Decimal `json:"max_position_size_usd,omitempty"`
	MaxPositionSizePct *decimal.Decimal `json:"max_position_size_pct,omitempty"`
	DailyLossLimitUSD  *decimal.Decimal `json:"daily_loss_limit_usd,omitempty"`
	MaxDrawdownPct     *decimal.Decimal `json:"max_drawdown_pct,omitempty"`
	MaxTradesPerMinute *int             `json:"max_trades_per_minute,omitempty"`
	MaxTradesPerHour   *int             `json:"max_trades_per_hour,omitempty"`
	TradingEnabled     *bool            `json:"trading_enabled,omitempty"`
	AgentsEnabled      *bool            `json:"agents_enabled,omitempty"`
}

// DefaultRiskConfig returns the built-in conservative policy.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		MaxPositionSizeUSD:            decimal.RequireFromString("100.00"),
		MaxPositionSizePct:            decimal.RequireFromString("0.10"),
		MaxConcentrationSingleMarket:  decimal.RequireFromString("0.25"),
		MaxConcentrationSingleEvent:   decimal.RequireFromString("0.40"),
		DailyLossLimitUSD:             decimal.RequireFromString("50.00"),
		DailyLossLimitPct:             decimal.RequireFromString("0.05"),
		MaxDrawdownPct:                decimal.RequireFromString("0.20"),
		CircuitBreakerEnabled:         true,
		CircuitBreakerCooldownMinutes: 60,
		MaxPriceDeviationPct:          decimal.RequireFromString("0.05"),
		MaxTradesPerMinute:            10,
		MaxTradesPerHour:              100,
		TradingEnabled:                true,
		AgentsEnabled:                 true,
	}
}

// LoadRiskConfig reads the policy file at path. A missing file is created
// with defaults; any other failure logs and falls back to defaults. Loading
// must never block trading from starting, so no error is returned.
func LoadRiskConfig(path string, logger *zap.Logger) *RiskConfig {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultRiskConfig()
		if err := cfg.Save(path); err != nil {
			logger.Warn("failed to persist default risk config", zap.String("path", path), zap.Error(err))
		}
		return cfg
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read risk config, using defaults", zap.String("path", path), zap.Error(err))
		return DefaultRiskConfig()
	}

	cfg := DefaultRiskConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		logger.Error("failed to parse risk config, using defaults", zap.String("path", path), zap.Error(err))
		return DefaultRiskConfig()
	}
	return cfg
}

// Save writes the policy to path as indented JSON, creating parent
// directories as needed.
func (c *RiskConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write risk config: %w", err)
	}
	return nil
}

// ForProvider returns a copy of the policy with the provider's overrides
// applied. The copy carries no override map of its own.
func (c *RiskConfig) ForProvider(provider string) RiskConfig {
	merged := *c
	merged.ProviderOverrides = nil

	o, ok := c.ProviderOverrides[provider]
	if !ok {
		return merged
	}

	if o.MaxPositionSizeUSD != nil {
		merged.MaxPositionSizeUSD = *o.MaxPositionSizeUSD
	}
	if o.MaxPositionSizePct != nil {
		merged.MaxPositionSizePct = *o.MaxPositionSizePct
	}
	if o.DailyLossLimitUSD != nil {
		merged.DailyLossLimitUSD = *o.DailyLossLimitUSD
	}
	if o.MaxDrawdownPct != nil {
		merged.MaxDrawdownPct = *o.MaxDrawdownPct
	}
	if o.MaxTradesPerMinute != nil {
		merged.MaxTradesPerMinute = *o.MaxTradesPerMinute
	}
	if o.MaxTradesPerHour != nil {
		merged.MaxTradesPerHour = *o.MaxTradesPerHour
	}
	if o.TradingEnabled != nil {
		merged.TradingEnabled = *o.TradingEnabled
	}
	if o.AgentsEnabled != nil {
		merged.AgentsEnabled = *o.AgentsEnabled
	}
	return merged
}
