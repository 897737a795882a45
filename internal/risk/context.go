package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RiskStatus is the traffic-light summary of the current risk posture.
type RiskStatus string

const (
	StatusGreen  RiskStatus = "green"
	StatusYellow RiskStatus = "yellow"
	StatusRed    RiskStatus = "red"
)

// Label returns the short operator label for a status.
func (s RiskStatus) Label() string {
	switch s {
	case StatusGreen:
		return "OK"
	case StatusYellow:
		return "WARN"
	case StatusRed:
		return "STOP"
	}
	return "UNKNOWN"
}

// RiskContext is a read-only snapshot of risk state, metrics and remaining
// budgets, rendered as deterministic text for operators and downstream
// agents. Agents treat a RED status or an active breaker as a blocking
// signal.
type RiskContext struct {
	AvailableBalance    decimal.Decimal `json:"available_balance"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	LargestPositionPct  decimal.Decimal `json:"largest_position_pct"`
	PositionCount       int             `json:"position_count"`

	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	DailyPnLPct     decimal.Decimal `json:"daily_pnl_pct"`
	CurrentDrawdown decimal.Decimal `json:"max_drawdown_current"`
	TradesToday     int             `json:"trades_today"`

	MaxPositionSizeUSD decimal.Decimal `json:"max_position_size_usd"`
	MaxPositionSizePct decimal.Decimal `json:"max_position_size_pct"`
	DailyLossLimitUSD  decimal.Decimal `json:"daily_loss_limit_usd"`
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct"`

	MaxTradesPerMinute int `json:"max_trades_per_minute"`
	MaxTradesPerHour   int `json:"max_trades_per_hour"`
	TradesLastMinute   int `json:"trades_last_minute"`
	TradesLastHour     int `json:"trades_last_hour"`

	TradingEnabled       bool   `json:"trading_enabled"`
	AgentsEnabled        bool   `json:"agents_enabled"`
	CircuitBreakerActive bool   `json:"circuit_breaker_active"`
	CircuitBreakerReason string `json:"circuit_breaker_reason"`

	Status    RiskStatus `json:"status"`
	RiskScore int        `json:"risk_score_current"`

	RemainingPositionBudgetUSD decimal.Decimal `json:"remaining_position_budget_usd"`
	RemainingLossBudgetUSD     decimal.Decimal `json:"remaining_loss_budget_usd"`
	RemainingTradesThisMinute  int             `json:"remaining_trades_this_minute"`
	RemainingTradesThisHour    int             `json:"remaining_trades_this_hour"`
}

// TradingStatus collapses the switches into a single label.
func (c *RiskContext) TradingStatus() string {
	switch {
	case !c.TradingEnabled:
		return "BLOCKED"
	case !c.AgentsEnabled:
		return "AGENTS_BLOCKED"
	case c.CircuitBreakerActive:
		return "CIRCUIT_BREAKER"
	default:
		return "ENABLED"
	}
}

func usd(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

// Render produces the fixed multi-section text block. The section headers
// and field order are stable; downstream consumers parse this verbatim.
func (c *RiskContext) Render() string {
	breakerReason := c.CircuitBreakerReason
	if breakerReason == "" {
		breakerReason = "None"
	}

	interpretation := "Low risk"
	switch {
	case c.RiskScore >= 60:
		interpretation = "High risk"
	case c.RiskScore >= 30:
		interpretation = "Moderate risk"
	}

	sections := []string{
		"=== RISK CONSTRAINTS AND CURRENT STATE ===",
		fmt.Sprintf("Overall Status: %s (%s)", c.Status.Label(), strings.ToUpper(string(c.Status))),
		fmt.Sprintf("Current Risk Score: %d/100", c.RiskScore),
		"",
		"=== TRADING STATUS ===",
		fmt.Sprintf("Trading Enabled: %t", c.TradingEnabled),
		fmt.Sprintf("Agents Enabled: %t", c.AgentsEnabled),
		fmt.Sprintf("Circuit Breaker Active: %t", c.CircuitBreakerActive),
		fmt.Sprintf("Circuit Breaker Reason: %s", breakerReason),
		fmt.Sprintf("Trading Status: %s", c.TradingStatus()),
		"",
		"=== PORTFOLIO STATE ===",
		fmt.Sprintf("Total Portfolio Value: %s", usd(c.TotalPortfolioValue)),
		fmt.Sprintf("Available Balance: %s", usd(c.AvailableBalance)),
		fmt.Sprintf("Largest Position: %s of portfolio", pct(c.LargestPositionPct)),
		fmt.Sprintf("Position Count: %d", c.PositionCount),
		fmt.Sprintf("Today's Trades: %d", c.TradesToday),
		"",
		"=== POSITION SIZE LIMITS ===",
		fmt.Sprintf("Max Position Size (USD): %s", usd(c.MaxPositionSizeUSD)),
		fmt.Sprintf("Max Position Size (%%): %s", pct(c.MaxPositionSizePct)),
		fmt.Sprintf("Remaining Position Budget: %s", usd(c.RemainingPositionBudgetUSD)),
		"",
		"=== LOSS LIMITS ===",
		fmt.Sprintf("Today's P&L: %s (%s)", usd(c.DailyPnL), pct(c.DailyPnLPct)),
		fmt.Sprintf("Daily Loss Limit: %s", usd(c.DailyLossLimitUSD)),
		fmt.Sprintf("Remaining Loss Budget: %s", usd(c.RemainingLossBudgetUSD)),
		fmt.Sprintf("Current Drawdown: %s (max: %s)", pct(c.CurrentDrawdown), pct(c.MaxDrawdownPct)),
		"",
		"=== TRADE FREQUENCY ===",
		fmt.Sprintf("Max Trades/Minute: %d", c.MaxTradesPerMinute),
		fmt.Sprintf("Trades Last Minute: %d", c.TradesLastMinute),
		fmt.Sprintf("Remaining This Minute: %d", c.RemainingTradesThisMinute),
		fmt.Sprintf("Max Trades/Hour: %d", c.MaxTradesPerHour),
		fmt.Sprintf("Trades Last Hour: %d", c.TradesLastHour),
		fmt.Sprintf("Remaining This Hour: %d", c.RemainingTradesThisHour),
		"",
		"=== OVERALL RISK SCORE ===",
		fmt.Sprintf("Current Risk Score: %d/100", c.RiskScore),
		fmt.Sprintf("Interpretation: %s", interpretation),
	}

	return strings.Join(sections, "\n")
}
