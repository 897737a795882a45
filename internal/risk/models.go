// Package risk implements the pre-trade validation firewall: policy
// configuration, the audit ledger, the check pipeline and the risk context
// rendered for humans and agents.
package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskViolationType identifies which rule a trade attempt broke.
type RiskViolationType string

const (
	ViolationPositionSize        RiskViolationType = "position_size_exceeded"
	ViolationConcentration       RiskViolationType = "portfolio_concentration_exceeded"
	ViolationDailyLossLimit      RiskViolationType = "daily_loss_limit_exceeded"
	ViolationMaxDrawdown         RiskViolationType = "max_drawdown_exceeded"
	ViolationCircuitBreaker      RiskViolationType = "circuit_breaker_active"
	ViolationPriceDeviation      RiskViolationType = "price_deviation_too_high"
	ViolationInsufficientBalance RiskViolationType = "insufficient_balance"
	ViolationMarketClosed        RiskViolationType = "market_closed"
	ViolationTradeFrequency      RiskViolationType = "trade_frequency_exceeded"
	ViolationManualBlock         RiskViolationType = "manual_block"
)

// RiskErrorCode is the stable machine-readable code attached to a violation.
// The table is consumed by downstream telemetry and must not be renumbered.
type RiskErrorCode string

const (
	CodePositionSizeAbsolute RiskErrorCode = "E001"
	CodePositionSizePercent  RiskErrorCode = "E002"
	CodeInsufficientBalance  RiskErrorCode = "E003"
	CodeDailyLoss            RiskErrorCode = "E004"
	CodeMaxDrawdown          RiskErrorCode = "E005"
	CodeFreqMinute           RiskErrorCode = "E006"
	CodeFreqHour             RiskErrorCode = "E007"
	CodeTradingDisabled      RiskErrorCode = "E008"
	CodeAgentsDisabled       RiskErrorCode = "E009"
	CodeCircuitBreaker       RiskErrorCode = "E010"
	CodePriceDeviation       RiskErrorCode = "E011"
)

// Severity grades how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskViolation is a single failed rule inside a check result. Values are
// decimals so boundary comparisons survive serialization.
type RiskViolation struct {
	Type           RiskViolationType `json:"type"`
	Message        string            `json:"message"`
	CurrentValue   decimal.Decimal   `json:"current"`
	LimitValue     decimal.Decimal   `json:"limit"`
	Severity       Severity          `json:"severity"`
	Code           RiskErrorCode     `json:"error_code,omitempty"`
	SuggestedValue *decimal.Decimal  `json:"suggested_value,omitempty"`
}

// AgentFeedback renders the violation as a structured line for agent
// consumption, prefixed with the error code when one is set.
func (v RiskViolation) AgentFeedback() string {
	if v.Code != "" {
		return fmt.Sprintf("[%s] %s", v.Code, v.Message)
	}
	return v.Message
}

// RiskCheckResult is the outcome of one trade validation. Approved is true
// iff the violation list is empty; RiskScore is a 0-100 severity sum used
// for display, not as a gate.
type RiskCheckResult struct {
	Approved   bool            `json:"approved"`
	Violations []RiskViolation `json:"violations"`
	Warnings   []string        `json:"warnings"`
	RiskScore  int             `json:"risk_score"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// RiskMetrics is the ephemeral snapshot of account state a check runs
// against. It is recomputed on every call and never persisted directly;
// a JSON rendering is embedded in the audit row.
type RiskMetrics struct {
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	AvailableBalance    decimal.Decimal `json:"available_balance"`
	TotalExposure       decimal.Decimal `json:"total_exposure"`
	DailyPnL            decimal.Decimal `json:"daily_pnl"`
	CurrentDrawdown     decimal.Decimal `json:"drawdown"`
	PositionCount       int             `json:"position_count"`
	LargestPositionPct  decimal.Decimal `json:"largest_position_pct"`
	TradesToday         int             `json:"trades_today"`
	LastTradeTime       *time.Time      `json:"last_trade_time,omitempty"`
}

// TradeAuditLog is one persisted trade attempt, approved or rejected.
// Rows are append-only.
type TradeAuditLog struct {
	ID              string          `gorm:"primaryKey" json:"id"`
	Timestamp       time.Time       `gorm:"index" json:"timestamp"`
	TokenID         string          `json:"token_id"`
	MarketID        string          `json:"market_id"`
	Side            string          `json:"side"`
	Amount          decimal.Decimal `gorm:"type:numeric" json:"amount"`
	Price           *decimal.Decimal `gorm:"type:numeric" json:"price,omitempty"`
	Provider        string          `gorm:"index" json:"provider"`
	Approved        bool            `gorm:"index" json:"approved"`
	Violations      string          `json:"violations"`
	Warnings        string          `json:"warnings"`
	RiskScore       int             `json:"risk_score"`
	AgentID         string          `gorm:"index" json:"agent_id,omitempty"`
	AgentReasoning  string          `json:"agent_reasoning,omitempty"`
	Executed        bool            `json:"executed"`
	ExecutionResult string          `json:"execution_result,omitempty"`
	MetricsSnapshot string          `json:"metrics_snapshot,omitempty"`
}

// NewTradeAuditLog returns an audit row with identity and timestamp set.
func NewTradeAuditLog() TradeAuditLog {
	return TradeAuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// CircuitBreakerEvent is one persisted breaker trigger. The log is never
// deleted; the current breaker state is the predicate of the latest event.
type CircuitBreakerEvent struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TriggeredAt   time.Time `gorm:"index" json:"triggered_at"`
	Reason        string    `json:"reason"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Provider      string    `gorm:"index" json:"provider"`
}

// ExecutionOutcome records what happened after an approved attempt was
// handed to the execution path.
type ExecutionOutcome struct {
	ID           uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	AttemptID    string           `gorm:"index" json:"attempt_id"`
	Status       string           `gorm:"index" json:"execution_status"`
	OrderID      string           `json:"order_id,omitempty"`
	FilledAmount *decimal.Decimal `gorm:"type:numeric" json:"filled_amount,omitempty"`
	LatencyMS    *float64         `json:"latency_ms,omitempty"`
	ExecutedAt   time.Time        `gorm:"index" json:"executed_at"`
}

// ExecutionStats aggregates execution outcomes for operator surfacing.
type ExecutionStats struct {
	TotalExecutions int     `json:"total_executions"`
	SuccessCount    int     `json:"success_count"`
	FailedCount     int     `json:"failed_count"`
	TimeoutCount    int     `json:"timeout_count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
}
