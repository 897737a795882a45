// Package sentinel implements the read-only market monitor: trigger
// evaluation over watched markets and the proposal lifecycle. The sentinel
// watches, detects and proposes; it never sizes positions and never
// executes.
package sentinel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/polydeck/terminal/internal/risk"
)

// TriggerType enumerates the conditions that can fire a proposal.
type TriggerType string

const (
	TriggerPriceBelow      TriggerType = "price_below"
	TriggerPriceAbove      TriggerType = "price_above"
	TriggerSpreadAbove     TriggerType = "spread_above"
	TriggerSpreadBelow     TriggerType = "spread_below"
	TriggerVolumeSpike     TriggerType = "volume_spike"
	TriggerImbalanceBuy    TriggerType = "imbalance_buy"
	TriggerImbalanceSell   TriggerType = "imbalance_sell"
	TriggerMarketReopen    TriggerType = "market_reopen"
	TriggerNewsCorrelation TriggerType = "news_correlation"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalPending     ProposalStatus = "pending"
	ProposalApproved    ProposalStatus = "approved"
	ProposalRejected    ProposalStatus = "rejected"
	ProposalExpired     ProposalStatus = "expired"
	ProposalInvalidated ProposalStatus = "invalidated"
)

// TriggerCondition is one watch rule. Conditions are immutable once
// constructed; treat all fields as read-only.
type TriggerCondition struct {
	Type                  TriggerType     `yaml:"type" json:"type"`
	Threshold             decimal.Decimal `yaml:"threshold" json:"threshold"`
	SuggestedSide         string          `yaml:"side" json:"side"`
	DebounceSeconds       int             `yaml:"debounce_seconds" json:"debounce_seconds"`
	TimeWindowSeconds     int             `yaml:"time_window_seconds" json:"time_window_seconds"`
	BaselineWindowSeconds int             `yaml:"baseline_window_seconds" json:"baseline_window_seconds"`
	HysteresisPct         decimal.Decimal `yaml:"hysteresis_pct" json:"hysteresis_pct"`
}

// Describe renders the condition for humans. The switch is exhaustive over
// TriggerType.
func (c TriggerCondition) Describe() string {
	switch c.Type {
	case TriggerPriceBelow:
		return fmt.Sprintf("Price dropped below $%s", c.Threshold)
	case TriggerPriceAbove:
		return fmt.Sprintf("Price rose above $%s", c.Threshold)
	case TriggerSpreadAbove:
		return fmt.Sprintf("Spread widened above $%s", c.Threshold)
	case TriggerSpreadBelow:
		return fmt.Sprintf("Spread narrowed below $%s", c.Threshold)
	case TriggerVolumeSpike:
		return fmt.Sprintf("Volume spike detected (>%sx baseline)", c.Threshold)
	case TriggerImbalanceBuy:
		return fmt.Sprintf("Strong buy pressure (imbalance >%s)", c.Threshold)
	case TriggerImbalanceSell:
		return fmt.Sprintf("Strong sell pressure (imbalance <-%s)", c.Threshold)
	case TriggerMarketReopen:
		return "Market reopened"
	case TriggerNewsCorrelation:
		return fmt.Sprintf("News correlation: price moved >%s%%", c.Threshold)
	}
	return fmt.Sprintf("Condition %s met", c.Type)
}

// WatchedMarket binds a market to its trigger rules and rate-limit windows.
type WatchedMarket struct {
	MarketID        string             `yaml:"market_id" json:"market_id"`
	Provider        string             `yaml:"provider" json:"provider"`
	Triggers        []TriggerCondition `yaml:"triggers" json:"triggers"`
	CooldownSeconds int                `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	ExpirySeconds   int                `yaml:"expiry_seconds" json:"expiry_seconds"`
}

// SentinelConfig is the global monitor configuration.
type SentinelConfig struct {
	WatchedMarkets        []WatchedMarket `yaml:"watched_markets" json:"watched_markets"`
	GlobalCooldownSeconds int             `yaml:"global_cooldown_seconds" json:"global_cooldown_seconds"`
	MaxProposalsPerHour   int             `yaml:"max_proposals_per_hour" json:"max_proposals_per_hour"`
	PollInterval          time.Duration   `yaml:"poll_interval" json:"poll_interval"`
	EnableNewsCorrelation bool            `yaml:"enable_news_correlation" json:"enable_news_correlation"`
}

// MarketState is the current state of a market as fetched from a provider.
type MarketState struct {
	MarketID    string
	Provider    string
	Question    string
	Status      string
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Spread      decimal.Decimal
	BidDepthUSD decimal.Decimal
	AskDepthUSD decimal.Decimal
	Imbalance   decimal.Decimal
	Timestamp   time.Time

	// RecentVolume is the volume observed since the previous poll; it feeds
	// the rolling history behind volume-spike triggers.
	RecentVolume decimal.Decimal

	// PrevStatus enables halted-to-active transition detection.
	PrevStatus string
}

// Snapshot freezes the state for embedding in a proposal.
func (s MarketState) Snapshot() MarketSnapshot {
	return MarketSnapshot{
		MarketID:    s.MarketID,
		Provider:    s.Provider,
		Question:    s.Question,
		BestBid:     s.BestBid,
		BestAsk:     s.BestAsk,
		Spread:      s.Spread,
		BidDepthUSD: s.BidDepthUSD,
		AskDepthUSD: s.AskDepthUSD,
		Imbalance:   s.Imbalance,
		CapturedAt:  s.Timestamp,
	}
}

// MarketSnapshot is the market state frozen at trigger-fire time. Created
// once, embedded in a proposal, never mutated.
type MarketSnapshot struct {
	MarketID    string          `json:"market_id"`
	Provider    string          `json:"provider"`
	Question    string          `json:"question"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	Spread      decimal.Decimal `json:"spread"`
	BidDepthUSD decimal.Decimal `json:"bid_depth_usd"`
	AskDepthUSD decimal.Decimal `json:"ask_depth_usd"`
	Imbalance   decimal.Decimal `json:"imbalance"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// MidPrice returns the bid/ask midpoint.
func (s MarketSnapshot) MidPrice() decimal.Decimal {
	return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
}

// RiskSnapshot is the minimal read-only risk view captured per proposal.
// It is informational; the sentinel never uses it to make trading
// decisions beyond suppression.
type RiskSnapshot struct {
	Status                     risk.RiskStatus `json:"status"`
	CircuitBreakerActive       bool            `json:"circuit_breaker_active"`
	RemainingPositionBudgetUSD decimal.Decimal `json:"remaining_position_budget_usd"`
	RemainingLossBudgetUSD     decimal.Decimal `json:"remaining_loss_budget_usd"`
	RiskScore                  int             `json:"risk_score"`
	TotalPortfolioValue        decimal.Decimal `json:"total_portfolio_value"`
	AvailableBalance           decimal.Decimal `json:"available_balance"`
}

// BlockReason returns why proposal generation must halt, or "" when clear.
func (s RiskSnapshot) BlockReason() string {
	if s.Status == risk.StatusRed {
		return "Risk status RED"
	}
	if s.CircuitBreakerActive {
		return "Circuit breaker active"
	}
	return ""
}

// Summary renders the deterministic one-line risk summary embedded in a
// proposal.
func (s RiskSnapshot) Summary() string {
	if s.Status == risk.StatusRed {
		return "BLOCKED: Risk status is RED"
	}
	if s.CircuitBreakerActive {
		return "BLOCKED: Circuit breaker active"
	}

	usedPct := decimal.Zero
	if s.TotalPortfolioValue.IsPositive() {
		usedPct = decimal.NewFromInt(1).
			Sub(s.RemainingPositionBudgetUSD.Div(s.TotalPortfolioValue)).
			Mul(decimal.NewFromInt(100))
	}
	return fmt.Sprintf("Risk %s: %s%% position budget used",
		s.Status.Label(), usedPct.StringFixed(0))
}

// SentinelProposal is one actionable suggestion. It is created on trigger
// fire, makes exactly one transition out of PENDING (approve, reject, or
// expiry by time) and is never executed by the sentinel itself.
type SentinelProposal struct {
	ID string `json:"id"`

	TriggerType        TriggerType     `json:"trigger_type"`
	TriggerThreshold   decimal.Decimal `json:"trigger_threshold"`
	TriggerDescription string          `json:"trigger_description"`

	Market      MarketSnapshot `json:"market_snapshot"`
	Risk        RiskSnapshot   `json:"risk_snapshot"`
	RiskSummary string         `json:"risk_summary"`

	// The user decides sizing; IndicativeSizeUSD is informational only.
	SuggestedSide     string           `json:"suggested_side"`
	IndicativeSizeUSD *decimal.Decimal `json:"indicative_size_usd,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Status    ProposalStatus `json:"status"`
	DecidedAt *time.Time     `json:"user_decision_at,omitempty"`
}

// NewProposalID returns a short proposal identifier.
func NewProposalID() string {
	return uuid.NewString()[:8]
}

// IsValid reports whether the proposal is still actionable: PENDING and not
// past its expiry.
func (p *SentinelProposal) IsValid() bool {
	return p.Status == ProposalPending && !time.Now().UTC().After(p.ExpiresAt)
}

// TimeRemaining returns the time until expiry, floored at zero.
func (p *SentinelProposal) TimeRemaining() time.Duration {
	remaining := time.Until(p.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
