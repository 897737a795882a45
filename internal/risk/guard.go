package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polydeck/terminal/internal/metrics"
)

// BalanceInfo is the account view a provider reports.
type BalanceInfo struct {
	Balance    decimal.Decimal
	TotalValue decimal.Decimal
}

// PositionInfo is one open position as reported by a provider.
type PositionInfo struct {
	Size         decimal.Decimal
	CurrentPrice decimal.Decimal
}

// BalanceSource fetches the current balance for a provider.
type BalanceSource interface {
	GetBalance(ctx context.Context, provider string) (BalanceInfo, error)
}

// PositionSource fetches open positions for a provider.
type PositionSource interface {
	GetPositions(ctx context.Context, provider string) ([]PositionInfo, error)
}

// PriceSource fetches the current market price for a token. A nil price
// means the oracle has no quote.
type PriceSource interface {
	GetPrice(ctx context.Context, tokenID, side string) (*decimal.Decimal, error)
}

// PnLSource fetches the provider's realized P&L for the current UTC day.
type PnLSource interface {
	GetDailyPnL(ctx context.Context, provider string) (decimal.Decimal, error)
}

// CheckRequest describes one trade attempt submitted for validation.
type CheckRequest struct {
	TokenID        string           `json:"token_id"`
	Side           string           `json:"side"`
	Amount         decimal.Decimal  `json:"amount"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Provider       string           `json:"provider"`
	AgentID        string           `json:"agent_id,omitempty"`
	AgentReasoning string           `json:"agent_reasoning,omitempty"`
}

// RiskGuard is the pre-trade validation firewall. Every trading operation
// must pass through CheckTrade before execution. The guard performs no I/O
// of its own beyond the injected sources and the audit store; callers that
// place orders after an approval must serialize check-then-place themselves,
// since the balance check and the later debit race across concurrent buys.
type RiskGuard struct {
	config     *RiskConfig
	configPath string
	store      *RiskAuditStore
	balances   BalanceSource
	positions  PositionSource
	prices     PriceSource
	pnl        PnLSource
	logger     *zap.Logger

	// Peak portfolio value per provider, for drawdown. Guarded by peakMu so
	// concurrent checks for the same provider cannot lose an update.
	peakMu sync.Mutex
	peaks  map[string]decimal.Decimal
}

// GuardOption configures optional collaborators on a RiskGuard.
type GuardOption func(*RiskGuard)

// WithBalanceSource injects the balance getter.
func WithBalanceSource(s BalanceSource) GuardOption {
	return func(g *RiskGuard) { g.balances = s }
}

// WithPositionSource injects the positions getter.
func WithPositionSource(s PositionSource) GuardOption {
	return func(g *RiskGuard) { g.positions = s }
}

// WithPriceSource injects the price oracle used for price-sanity checks.
func WithPriceSource(s PriceSource) GuardOption {
	return func(g *RiskGuard) { g.prices = s }
}

// WithPnLSource injects the daily P&L getter.
func WithPnLSource(s PnLSource) GuardOption {
	return func(g *RiskGuard) { g.pnl = s }
}

// WithConfigPath sets where UpdateConfig persists policy changes.
func WithConfigPath(path string) GuardOption {
	return func(g *RiskGuard) { g.configPath = path }
}

// NewRiskGuard creates a guard over the given policy and audit store.
func NewRiskGuard(config *RiskConfig, store *RiskAuditStore, logger *zap.Logger, opts ...GuardOption) *RiskGuard {
	g := &RiskGuard{
		config: config,
		store:  store,
		logger: logger,
		peaks:  make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the active policy.
func (g *RiskGuard) Config() *RiskConfig {
	return g.config
}

// CheckTrade validates a trade attempt against the full rule pipeline.
// Policy failures are data: the result is always returned, never an error.
// The checks run sequentially in a fixed order and all of them contribute;
// there is no early return.
func (g *RiskGuard) CheckTrade(ctx context.Context, req CheckRequest) *RiskCheckResult {
	var violations []RiskViolation
	var warnings []string
	score := 0

	cfg := g.config.ForProvider(req.Provider)
	isBuy := req.Side == "BUY" || req.Side == "buy"

	m := g.currentMetrics(ctx, req.Provider)

	// 1. Master trading switch.
	if !cfg.TradingEnabled {
		violations = append(violations, RiskViolation{
			Type:     ViolationManualBlock,
			Message:  "Trading is globally disabled",
			Severity: SeverityCritical,
			Code:     CodeTradingDisabled,
		})
	}

	// 2. Agent permission.
	if req.AgentID != "" && !cfg.AgentsEnabled {
		violations = append(violations, RiskViolation{
			Type:     ViolationManualBlock,
			Message:  "Autonomous agent trading is disabled",
			Severity: SeverityCritical,
			Code:     CodeAgentsDisabled,
		})
	}

	// 3. Circuit breaker.
	if cfg.CircuitBreakerEnabled {
		active, err := g.store.IsCircuitBreakerActive(ctx, req.Provider)
		if err != nil {
			g.logger.Error("circuit breaker lookup failed", zap.Error(err))
		}
		if active {
			violations = append(violations, RiskViolation{
				Type:     ViolationCircuitBreaker,
				Message:  "Circuit breaker is active - trading paused",
				Severity: SeverityCritical,
				Code:     CodeCircuitBreaker,
			})
		}
	}

	// 4. Position size limits (buys only).
	if isBuy {
		if req.Amount.GreaterThan(cfg.MaxPositionSizeUSD) {
			suggested := cfg.MaxPositionSizeUSD
			violations = append(violations, RiskViolation{
				Type:           ViolationPositionSize,
				Message:        fmt.Sprintf("Trade size $%s exceeds max $%s", req.Amount.StringFixed(2), cfg.MaxPositionSizeUSD.StringFixed(2)),
				CurrentValue:   req.Amount,
				LimitValue:     cfg.MaxPositionSizeUSD,
				Severity:       SeverityHigh,
				Code:           CodePositionSizeAbsolute,
				SuggestedValue: &suggested,
			})
			score += 30
		}

		if m.TotalPortfolioValue.IsPositive() {
			positionPct := req.Amount.Div(m.TotalPortfolioValue)
			if positionPct.GreaterThan(cfg.MaxPositionSizePct) {
				violations = append(violations, RiskViolation{
					Type:         ViolationPositionSize,
					Message:      fmt.Sprintf("Trade is %s of portfolio, max is %s", pct(positionPct), pct(cfg.MaxPositionSizePct)),
					CurrentValue: positionPct,
					LimitValue:   cfg.MaxPositionSizePct,
					Severity:     SeverityHigh,
					Code:         CodePositionSizePercent,
				})
				score += 25
			}
		}
	}

	// 5. Balance.
	if isBuy && req.Amount.GreaterThan(m.AvailableBalance) {
		suggested := m.AvailableBalance
		violations = append(violations, RiskViolation{
			Type:           ViolationInsufficientBalance,
			Message:        fmt.Sprintf("Insufficient balance: have $%s, need $%s", m.AvailableBalance.StringFixed(2), req.Amount.StringFixed(2)),
			CurrentValue:   m.AvailableBalance,
			LimitValue:     req.Amount,
			Severity:       SeverityHigh,
			Code:           CodeInsufficientBalance,
			SuggestedValue: &suggested,
		})
	}

	// 6. Daily loss limit. A breach also trips the breaker.
	dailyLoss := decimal.Min(decimal.Zero, m.DailyPnL).Abs()
	if dailyLoss.GreaterThanOrEqual(cfg.DailyLossLimitUSD) {
		violations = append(violations, RiskViolation{
			Type:         ViolationDailyLossLimit,
			Message:      fmt.Sprintf("Daily loss $%s exceeds limit $%s", dailyLoss.StringFixed(2), cfg.DailyLossLimitUSD.StringFixed(2)),
			CurrentValue: dailyLoss,
			LimitValue:   cfg.DailyLossLimitUSD,
			Severity:     SeverityCritical,
			Code:         CodeDailyLoss,
		})
		score += 40

		if cfg.CircuitBreakerEnabled {
			cooldown := time.Duration(cfg.CircuitBreakerCooldownMinutes) * time.Minute
			reason := fmt.Sprintf("Daily loss limit exceeded: $%s", dailyLoss.StringFixed(2))
			if err := g.store.TriggerCircuitBreaker(ctx, reason, cooldown, req.Provider); err != nil {
				g.logger.Error("failed to trigger circuit breaker", zap.Error(err))
			} else {
				metrics.CircuitBreakerTrips.WithLabelValues(req.Provider).Inc()
			}
		}
	}

	// 7. Drawdown.
	if m.CurrentDrawdown.GreaterThanOrEqual(cfg.MaxDrawdownPct) {
		violations = append(violations, RiskViolation{
			Type:         ViolationMaxDrawdown,
			Message:      fmt.Sprintf("Drawdown %s exceeds max %s", pct(m.CurrentDrawdown), pct(cfg.MaxDrawdownPct)),
			CurrentValue: m.CurrentDrawdown,
			LimitValue:   cfg.MaxDrawdownPct,
			Severity:     SeverityCritical,
			Code:         CodeMaxDrawdown,
		})
		score += 35
	}

	// 8. Trade frequency. Only approved trades count toward the limits.
	now := time.Now().UTC()
	lastMinute, err := g.store.TradesCountSince(ctx, now.Add(-time.Minute), req.Provider)
	if err != nil {
		g.logger.Error("trade frequency lookup failed", zap.Error(err))
		warnings = append(warnings, "Could not verify per-minute trade frequency")
	} else if lastMinute >= cfg.MaxTradesPerMinute {
		violations = append(violations, RiskViolation{
			Type:         ViolationTradeFrequency,
			Message:      fmt.Sprintf("Trade frequency exceeded: %d/min (max %d)", lastMinute, cfg.MaxTradesPerMinute),
			CurrentValue: decimal.NewFromInt(int64(lastMinute)),
			LimitValue:   decimal.NewFromInt(int64(cfg.MaxTradesPerMinute)),
			Severity:     SeverityMedium,
			Code:         CodeFreqMinute,
		})
		score += 15
	}

	lastHour, err := g.store.TradesCountSince(ctx, now.Add(-time.Hour), req.Provider)
	if err != nil {
		g.logger.Error("trade frequency lookup failed", zap.Error(err))
		warnings = append(warnings, "Could not verify per-hour trade frequency")
	} else if lastHour >= cfg.MaxTradesPerHour {
		violations = append(violations, RiskViolation{
			Type:         ViolationTradeFrequency,
			Message:      fmt.Sprintf("Hourly trade limit exceeded: %d/hr (max %d)", lastHour, cfg.MaxTradesPerHour),
			CurrentValue: decimal.NewFromInt(int64(lastHour)),
			LimitValue:   decimal.NewFromInt(int64(cfg.MaxTradesPerHour)),
			Severity:     SeverityMedium,
			Code:         CodeFreqHour,
		})
		score += 15
	}

	// 9. Price sanity. Oracle failure is a warning, not a violation; price
	// sanity is a secondary safeguard.
	if req.Price != nil && g.prices != nil {
		market, err := g.prices.GetPrice(ctx, req.TokenID, req.Side)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Could not verify price against market: %v", err))
		} else if market != nil && market.IsPositive() {
			deviation := req.Price.Sub(*market).Abs().Div(*market)
			if deviation.GreaterThan(cfg.MaxPriceDeviationPct) {
				violations = append(violations, RiskViolation{
					Type:         ViolationPriceDeviation,
					Message:      fmt.Sprintf("Price %s deviates %s from market %s", req.Price.String(), pct(deviation), market.String()),
					CurrentValue: deviation,
					LimitValue:   cfg.MaxPriceDeviationPct,
					Severity:     SeverityMedium,
					Code:         CodePriceDeviation,
				})
				score += 20
			}
		}
	}

	// 10. Non-blocking warnings.
	if m.LargestPositionPct.GreaterThan(decimal.RequireFromString("0.15")) {
		warnings = append(warnings, fmt.Sprintf("Largest position is %s of portfolio", pct(m.LargestPositionPct)))
	}
	if m.TradesToday > 20 {
		warnings = append(warnings, fmt.Sprintf("High trading activity today: %d trades", m.TradesToday))
	}

	if score > 100 {
		score = 100
	}

	result := &RiskCheckResult{
		Approved:   len(violations) == 0,
		Violations: violations,
		Warnings:   warnings,
		RiskScore:  score,
		CheckedAt:  now,
	}

	g.audit(ctx, req, result, m)
	metrics.TradeChecksTotal.WithLabelValues(req.Provider, strconv.FormatBool(result.Approved)).Inc()
	for _, v := range violations {
		metrics.ViolationsTotal.WithLabelValues(string(v.Code)).Inc()
	}

	if result.Approved {
		g.logger.Info("trade approved by risk guard",
			zap.String("token_id", req.TokenID),
			zap.String("side", req.Side),
			zap.String("amount", req.Amount.String()),
			zap.Int("risk_score", score),
			zap.Strings("warnings", warnings))
	} else {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Message
		}
		g.logger.Warn("trade rejected by risk guard",
			zap.String("token_id", req.TokenID),
			zap.String("side", req.Side),
			zap.String("amount", req.Amount.String()),
			zap.Strings("violations", msgs))
	}

	return result
}

// audit writes the attempt to the ledger. A write failure is logged; the
// check result still stands.
func (g *RiskGuard) audit(ctx context.Context, req CheckRequest, result *RiskCheckResult, m RiskMetrics) {
	violationsJSON, _ := json.Marshal(result.Violations)
	warningsJSON, _ := json.Marshal(result.Warnings)
	metricsJSON, _ := json.Marshal(m)

	entry := NewTradeAuditLog()
	entry.TokenID = req.TokenID
	entry.Side = req.Side
	entry.Amount = req.Amount
	entry.Price = req.Price
	entry.Provider = req.Provider
	entry.Approved = result.Approved
	entry.Violations = string(violationsJSON)
	entry.Warnings = string(warningsJSON)
	entry.RiskScore = result.RiskScore
	entry.AgentID = req.AgentID
	entry.AgentReasoning = req.AgentReasoning
	entry.MetricsSnapshot = string(metricsJSON)

	if err := g.store.LogTradeAttempt(ctx, entry); err != nil {
		g.logger.Error("failed to write trade audit log", zap.Error(err))
	}
}

// currentMetrics snapshots account state through the injected sources.
// Fetch failures degrade to zero values: an unreachable balance source makes
// the guard more restrictive, never more permissive.
func (g *RiskGuard) currentMetrics(ctx context.Context, provider string) RiskMetrics {
	var m RiskMetrics

	if g.balances != nil {
		info, err := g.balances.GetBalance(ctx, provider)
		if err != nil {
			g.logger.Error("failed to fetch balance, assuming zero", zap.String("provider", provider), zap.Error(err))
		} else {
			m.AvailableBalance = info.Balance
			m.TotalPortfolioValue = info.TotalValue
			if m.TotalPortfolioValue.IsZero() {
				m.TotalPortfolioValue = info.Balance
			}
		}
	}

	if g.positions != nil {
		positions, err := g.positions.GetPositions(ctx, provider)
		if err != nil {
			g.logger.Error("failed to fetch positions, assuming none", zap.String("provider", provider), zap.Error(err))
		} else {
			m.PositionCount = len(positions)
			largest := decimal.Zero
			exposure := decimal.Zero
			for _, p := range positions {
				value := p.Size.Mul(p.CurrentPrice)
				exposure = exposure.Add(value)
				if value.GreaterThan(largest) {
					largest = value
				}
			}
			m.TotalExposure = exposure
			if m.TotalPortfolioValue.IsPositive() {
				m.LargestPositionPct = largest.Div(m.TotalPortfolioValue)
			}
		}
	}

	if g.pnl != nil {
		pnl, err := g.pnl.GetDailyPnL(ctx, provider)
		if err != nil {
			g.logger.Error("failed to fetch daily pnl, assuming zero", zap.String("provider", provider), zap.Error(err))
		} else {
			m.DailyPnL = pnl
		}
	}

	m.CurrentDrawdown = g.updatePeak(provider, m.TotalPortfolioValue)

	todayStart := time.Now().UTC().Truncate(24 * time.Hour)
	if count, err := g.store.TradesCountSince(ctx, todayStart, provider); err != nil {
		g.logger.Error("failed to count today's trades", zap.Error(err))
	} else {
		m.TradesToday = count
	}

	return m
}

// updatePeak records the provider's peak portfolio value and returns the
// current drawdown from that peak. Peaks are monotonically non-decreasing.
func (g *RiskGuard) updatePeak(provider string, current decimal.Decimal) decimal.Decimal {
	g.peakMu.Lock()
	defer g.peakMu.Unlock()

	peak, ok := g.peaks[provider]
	if !ok || current.GreaterThan(peak) {
		g.peaks[provider] = current
		peak = current
	}
	if peak.IsPositive() {
		return peak.Sub(current).Div(peak)
	}
	return decimal.Zero
}

// RiskContextFor recomputes metrics and derives the read-only context that
// operators, agents and the sentinel consume.
func (g *RiskGuard) RiskContextFor(ctx context.Context, provider string) (*RiskContext, error) {
	cfg := g.config.ForProvider(provider)
	m := g.currentMetrics(ctx, provider)
	now := time.Now().UTC()

	lastMinute, err := g.store.TradesCountSince(ctx, now.Add(-time.Minute), provider)
	if err != nil {
		return nil, fmt.Errorf("count trades last minute: %w", err)
	}
	lastHour, err := g.store.TradesCountSince(ctx, now.Add(-time.Hour), provider)
	if err != nil {
		return nil, fmt.Errorf("count trades last hour: %w", err)
	}

	breakerEvent, err := g.store.ActiveCircuitBreakerEvent(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("check circuit breaker: %w", err)
	}

	rc := &RiskContext{
		AvailableBalance:    m.AvailableBalance,
		TotalPortfolioValue: m.TotalPortfolioValue,
		LargestPositionPct:  m.LargestPositionPct,
		PositionCount:       m.PositionCount,

		DailyPnL:        m.DailyPnL,
		CurrentDrawdown: m.CurrentDrawdown,
		TradesToday:     m.TradesToday,

		MaxPositionSizeUSD: cfg.MaxPositionSizeUSD,
		MaxPositionSizePct: cfg.MaxPositionSizePct,
		DailyLossLimitUSD:  cfg.DailyLossLimitUSD,
		MaxDrawdownPct:     cfg.MaxDrawdownPct,

		MaxTradesPerMinute: cfg.MaxTradesPerMinute,
		MaxTradesPerHour:   cfg.MaxTradesPerHour,
		TradesLastMinute:   lastMinute,
		TradesLastHour:     lastHour,

		TradingEnabled:       cfg.TradingEnabled,
		AgentsEnabled:        cfg.AgentsEnabled,
		CircuitBreakerActive: breakerEvent != nil,
	}
	if breakerEvent != nil {
		rc.CircuitBreakerReason = breakerEvent.Reason
	}
	if m.TotalPortfolioValue.IsPositive() {
		rc.DailyPnLPct = m.DailyPnL.Div(m.TotalPortfolioValue)
	}

	dailyLoss := decimal.Min(decimal.Zero, m.DailyPnL).Abs()

	// Remaining budgets by subtraction, floored at zero.
	rc.RemainingLossBudgetUSD = decimal.Max(decimal.Zero, cfg.DailyLossLimitUSD.Sub(dailyLoss))
	rc.RemainingTradesThisMinute = max(0, cfg.MaxTradesPerMinute-lastMinute)
	rc.RemainingTradesThisHour = max(0, cfg.MaxTradesPerHour-lastHour)
	rc.RemainingPositionBudgetUSD = cfg.MaxPositionSizeUSD
	if m.TotalPortfolioValue.IsPositive() {
		pctCap := cfg.MaxPositionSizePct.Mul(m.TotalPortfolioValue)
		rc.RemainingPositionBudgetUSD = decimal.Min(cfg.MaxPositionSizeUSD, pctCap)
	}

	// Status: RED on any hard block, YELLOW at 80% of the daily loss limit.
	switch {
	case !cfg.TradingEnabled || !cfg.AgentsEnabled || rc.CircuitBreakerActive:
		rc.Status = StatusRed
	case cfg.DailyLossLimitUSD.IsPositive() &&
		dailyLoss.Div(cfg.DailyLossLimitUSD).GreaterThanOrEqual(decimal.RequireFromString("0.80")):
		rc.Status = StatusYellow
	default:
		rc.Status = StatusGreen
	}

	rc.RiskScore = contextScore(cfg, m, dailyLoss, lastMinute, lastHour)

	return rc, nil
}

// contextScore sums the trade-independent pipeline weights for display.
func contextScore(cfg RiskConfig, m RiskMetrics, dailyLoss decimal.Decimal, lastMinute, lastHour int) int {
	score := 0
	if dailyLoss.GreaterThanOrEqual(cfg.DailyLossLimitUSD) {
		score += 40
	}
	if m.CurrentDrawdown.GreaterThanOrEqual(cfg.MaxDrawdownPct) {
		score += 35
	}
	if lastMinute >= cfg.MaxTradesPerMinute {
		score += 15
	}
	if lastHour >= cfg.MaxTradesPerHour {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

// TriggerCircuitBreaker manually halts trading across all providers. A zero
// cooldown uses the configured default.
func (g *RiskGuard) TriggerCircuitBreaker(ctx context.Context, reason string, cooldown time.Duration) error {
	if cooldown <= 0 {
		cooldown = time.Duration(g.config.CircuitBreakerCooldownMinutes) * time.Minute
	}
	if err := g.store.TriggerCircuitBreaker(ctx, reason, cooldown, ProviderAll); err != nil {
		return err
	}
	metrics.CircuitBreakerTrips.WithLabelValues(ProviderAll).Inc()
	g.logger.Warn("circuit breaker manually triggered",
		zap.String("reason", reason),
		zap.Duration("cooldown", cooldown))
	return nil
}

// ResetCircuitBreaker clears the breaker for a provider ("all" by default
// convention at the call site).
func (g *RiskGuard) ResetCircuitBreaker(ctx context.Context, provider string) error {
	if provider == "" {
		provider = ProviderAll
	}
	if err := g.store.ResetCircuitBreaker(ctx, provider); err != nil {
		return err
	}
	g.logger.Info("circuit breaker reset", zap.String("provider", provider))
	return nil
}

// UpdateConfig applies a mutation to the policy and persists it when a
// config path is set.
func (g *RiskGuard) UpdateConfig(apply func(*RiskConfig)) error {
	apply(g.config)
	if g.configPath != "" {
		if err := g.config.Save(g.configPath); err != nil {
			return fmt.Errorf("persist risk config: %w", err)
		}
	}
	g.logger.Info("risk config updated")
	return nil
}
