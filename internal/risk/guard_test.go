package risk_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/polydeck/terminal/internal/risk"
)

type stubBalance struct {
	info risk.BalanceInfo
	err  error
}

func (s *stubBalance) GetBalance(context.Context, string) (risk.BalanceInfo, error) {
	return s.info, s.err
}

type stubPositions struct {
	positions []risk.PositionInfo
	err       error
}

func (s *stubPositions) GetPositions(context.Context, string) ([]risk.PositionInfo, error) {
	return s.positions, s.err
}

type stubPrices struct {
	price *decimal.Decimal
	err   error
}

func (s *stubPrices) GetPrice(context.Context, string, string) (*decimal.Decimal, error) {
	return s.price, s.err
}

type stubPnL struct {
	pnl decimal.Decimal
	err error
}

func (s *stubPnL) GetDailyPnL(context.Context, string) (decimal.Decimal, error) {
	return s.pnl, s.err
}

func newTestGuard(t *testing.T, cfg *risk.RiskConfig, opts ...risk.GuardOption) (*risk.RiskGuard, *risk.RiskAuditStore) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)
	store, err := risk.NewRiskAuditStore(db, zap.NewNop())
	assert.NoError(t, err)
	if cfg == nil {
		cfg = risk.DefaultRiskConfig()
	}
	return risk.NewRiskGuard(cfg, store, zap.NewNop(), opts...), store
}

func healthyBalance() *stubBalance {
	return &stubBalance{info: risk.BalanceInfo{
		Balance:    decimal.RequireFromString("5000.00"),
		TotalValue: decimal.RequireFromString("10000.00"),
	}}
}

func buyRequest(amount string) risk.CheckRequest {
	return risk.CheckRequest{
		TokenID:  "token-1",
		Side:     "BUY",
		Amount:   decimal.RequireFromString(amount),
		Provider: "polymarket",
	}
}

func violationByCode(result *risk.RiskCheckResult, code risk.RiskErrorCode) *risk.RiskViolation {
	for i := range result.Violations {
		if result.Violations[i].Code == code {
			return &result.Violations[i]
		}
	}
	return nil
}

func TestCheckTradeApproved(t *testing.T) {
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))

	result := guard.CheckTrade(context.Background(), buyRequest("25.00"))
	assert.True(t, result.Approved)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 0, result.RiskScore)
}

func TestPositionSizeAbsolute(t *testing.T) {
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))

	result := guard.CheckTrade(context.Background(), buyRequest("150.00"))
	assert.False(t, result.Approved)

	v := violationByCode(result, risk.CodePositionSizeAbsolute)
	assert.NotNil(t, v)
	assert.Equal(t, risk.SeverityHigh, v.Severity)
	assert.NotNil(t, v.SuggestedValue)
	assert.True(t, v.SuggestedValue.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, "[E001] "+v.Message, v.AgentFeedback())
	assert.Equal(t, 30, result.RiskScore)
}

func TestPositionSizePercent(t *testing.T) {
	balance := &stubBalance{info: risk.BalanceInfo{
		Balance:    decimal.RequireFromString("5000.00"),
		TotalValue: decimal.RequireFromString("500.00"),
	}}
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(balance))

	// $100 is 20% of a $500 portfolio, over the 10% cap but under the
	// absolute cap.
	result := guard.CheckTrade(context.Background(), buyRequest("100.00"))
	assert.False(t, result.Approved)
	assert.Nil(t, violationByCode(result, risk.CodePositionSizeAbsolute))
	assert.NotNil(t, violationByCode(result, risk.CodePositionSizePercent))
	assert.Equal(t, 25, result.RiskScore)
}

func TestSellSkipsPositionSizeChecks(t *testing.T) {
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))

	req := buyRequest("150.00")
	req.Side = "SELL"
	result := guard.CheckTrade(context.Background(), req)
	assert.True(t, result.Approved)
}

func TestInsufficientBalance(t *testing.T) {
	balance := &stubBalance{info: risk.BalanceInfo{
		Balance:    decimal.RequireFromString("50.00"),
		TotalValue: decimal.RequireFromString("10000.00"),
	}}
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(balance))

	result := guard.CheckTrade(context.Background(), buyRequest("80.00"))
	assert.False(t, result.Approved)

	v := violationByCode(result, risk.CodeInsufficientBalance)
	assert.NotNil(t, v)
	assert.NotNil(t, v.SuggestedValue)
	assert.True(t, v.SuggestedValue.Equal(decimal.RequireFromString("50.00")))
}

func TestBalanceFetchFailureFailsClosed(t *testing.T) {
	balance := &stubBalance{err: errors.New("provider unreachable")}
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(balance))

	// An unreachable balance source degrades to a zero balance, so any buy
	// is rejected rather than waved through.
	result := guard.CheckTrade(context.Background(), buyRequest("10.00"))
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodeInsufficientBalance))
}

func TestDailyLossLimitTripsBreaker(t *testing.T) {
	pnl := &stubPnL{pnl: decimal.RequireFromString("-60.00")}
	guard, store := newTestGuard(t, nil,
		risk.WithBalanceSource(healthyBalance()),
		risk.WithPnLSource(pnl))
	ctx := context.Background()

	result := guard.CheckTrade(ctx, buyRequest("25.00"))
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodeDailyLoss))
	assert.Equal(t, 40, result.RiskScore)

	// The breach trips the breaker as a side effect, so the next check is
	// blocked even if the loss recovers.
	active, err := store.IsCircuitBreakerActive(ctx, "polymarket")
	assert.NoError(t, err)
	assert.True(t, active)

	pnl.pnl = decimal.Zero
	result = guard.CheckTrade(ctx, buyRequest("25.00"))
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodeCircuitBreaker))
}

func TestDrawdownViolation(t *testing.T) {
	balance := healthyBalance()
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(balance))
	ctx := context.Background()

	req := buyRequest("25.00")
	req.Side = "SELL"
	result := guard.CheckTrade(ctx, req)
	assert.True(t, result.Approved)

	// Portfolio falls 25% from its peak of $10000.
	balance.info.TotalValue = decimal.RequireFromString("7500.00")
	result = guard.CheckTrade(ctx, req)
	assert.False(t, result.Approved)

	v := violationByCode(result, risk.CodeMaxDrawdown)
	assert.NotNil(t, v)
	assert.Equal(t, risk.SeverityCritical, v.Severity)
}

func TestTradeFrequencyLimit(t *testing.T) {
	guard, store := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		logAttempt(t, store, "polymarket", true)
	}

	result := guard.CheckTrade(ctx, buyRequest("25.00"))
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodeFreqMinute))
}

func TestRejectedTradesDoNotCountTowardFrequency(t *testing.T) {
	guard, store := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		logAttempt(t, store, "polymarket", false)
	}

	result := guard.CheckTrade(ctx, buyRequest("25.00"))
	assert.True(t, result.Approved)
}

func TestPriceDeviation(t *testing.T) {
	market := decimal.RequireFromString("0.50")
	guard, _ := newTestGuard(t, nil,
		risk.WithBalanceSource(healthyBalance()),
		risk.WithPriceSource(&stubPrices{price: &market}))

	req := buyRequest("25.00")
	price := decimal.RequireFromString("0.60")
	req.Price = &price

	result := guard.CheckTrade(context.Background(), req)
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodePriceDeviation))
	assert.Equal(t, 20, result.RiskScore)
}

func TestPriceOracleFailureIsWarningOnly(t *testing.T) {
	guard, _ := newTestGuard(t, nil,
		risk.WithBalanceSource(healthyBalance()),
		risk.WithPriceSource(&stubPrices{err: errors.New("oracle down")}))

	req := buyRequest("25.00")
	price := decimal.RequireFromString("0.60")
	req.Price = &price

	result := guard.CheckTrade(context.Background(), req)
	assert.True(t, result.Approved)
	assert.NotEmpty(t, result.Warnings)
}

func TestTradingDisabledBlocksEverything(t *testing.T) {
	cfg := risk.DefaultRiskConfig()
	cfg.TradingEnabled = false
	guard, _ := newTestGuard(t, cfg, risk.WithBalanceSource(healthyBalance()))

	result := guard.CheckTrade(context.Background(), buyRequest("25.00"))
	assert.False(t, result.Approved)

	v := violationByCode(result, risk.CodeTradingDisabled)
	assert.NotNil(t, v)
	assert.Equal(t, risk.SeverityCritical, v.Severity)
}

func TestAgentsDisabledBlocksAgentsOnly(t *testing.T) {
	cfg := risk.DefaultRiskConfig()
	cfg.AgentsEnabled = false
	guard, _ := newTestGuard(t, cfg, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	req := buyRequest("25.00")
	req.AgentID = "sentinel-1"
	result := guard.CheckTrade(ctx, req)
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodeAgentsDisabled))

	// Human-originated trades are unaffected.
	result = guard.CheckTrade(ctx, buyRequest("25.00"))
	assert.True(t, result.Approved)
}

func TestManualCircuitBreakerBlocksAllTrades(t *testing.T) {
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	assert.NoError(t, guard.TriggerCircuitBreaker(ctx, "manual halt", 0))

	req := buyRequest("5.00")
	req.Side = "SELL"
	result := guard.CheckTrade(ctx, req)
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodeCircuitBreaker))

	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, guard.ResetCircuitBreaker(ctx, ""))
	result = guard.CheckTrade(ctx, req)
	assert.True(t, result.Approved)
}

func TestRiskScoreCappedAt100(t *testing.T) {
	cfg := risk.DefaultRiskConfig()
	pnl := &stubPnL{pnl: decimal.RequireFromString("-60.00")}
	balance := &stubBalance{info: risk.BalanceInfo{
		Balance:    decimal.RequireFromString("5000.00"),
		TotalValue: decimal.RequireFromString("100.00"),
	}}
	market := decimal.RequireFromString("0.50")
	guard, store := newTestGuard(t, cfg,
		risk.WithBalanceSource(balance),
		risk.WithPnLSource(pnl),
		risk.WithPriceSource(&stubPrices{price: &market}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		logAttempt(t, store, "polymarket", true)
	}

	// Stack E001+E002+E004+E006+E011 = 30+25+40+15+20 over the cap.
	req := buyRequest("150.00")
	price := decimal.RequireFromString("0.60")
	req.Price = &price
	result := guard.CheckTrade(ctx, req)
	assert.False(t, result.Approved)
	assert.Equal(t, 100, result.RiskScore)
}

func TestCheckTradeWritesAuditRow(t *testing.T) {
	guard, store := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	result := guard.CheckTrade(ctx, buyRequest("150.00"))
	assert.False(t, result.Approved)

	rows, err := store.RejectedTrades(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Contains(t, rows[0].Violations, "E001")
	assert.NotEmpty(t, rows[0].MetricsSnapshot)
}

func TestRiskContextYellowBoundary(t *testing.T) {
	pnl := &stubPnL{pnl: decimal.RequireFromString("-39.99")}
	guard, _ := newTestGuard(t, nil,
		risk.WithBalanceSource(healthyBalance()),
		risk.WithPnLSource(pnl))
	ctx := context.Background()

	rc, err := guard.RiskContextFor(ctx, "polymarket")
	assert.NoError(t, err)
	assert.Equal(t, risk.StatusGreen, rc.Status)

	// Exactly 80% of the $50 limit flips to YELLOW.
	pnl.pnl = decimal.RequireFromString("-40.00")
	rc, err = guard.RiskContextFor(ctx, "polymarket")
	assert.NoError(t, err)
	assert.Equal(t, risk.StatusYellow, rc.Status)
	assert.True(t, rc.RemainingLossBudgetUSD.Equal(decimal.RequireFromString("10.00")))
}

func TestRiskContextRedOnBreaker(t *testing.T) {
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	assert.NoError(t, guard.TriggerCircuitBreaker(ctx, "manual halt", time.Hour))

	rc, err := guard.RiskContextFor(ctx, "polymarket")
	assert.NoError(t, err)
	assert.Equal(t, risk.StatusRed, rc.Status)
	assert.True(t, rc.CircuitBreakerActive)
	assert.Equal(t, "manual halt", rc.CircuitBreakerReason)
	assert.Equal(t, "CIRCUIT_BREAKER", rc.TradingStatus())
}

func TestRiskContextBudgets(t *testing.T) {
	guard, store := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	logAttempt(t, store, "polymarket", true)
	logAttempt(t, store, "polymarket", true)

	rc, err := guard.RiskContextFor(ctx, "polymarket")
	assert.NoError(t, err)
	assert.Equal(t, 8, rc.RemainingTradesThisMinute)
	assert.Equal(t, 98, rc.RemainingTradesThisHour)
	// min(absolute cap, pct cap): 10% of $10000 is $1000, so $100 wins.
	assert.True(t, rc.RemainingPositionBudgetUSD.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, rc.RemainingLossBudgetUSD.Equal(decimal.RequireFromString("50.00")))
}

func TestRiskContextRender(t *testing.T) {
	guard, _ := newTestGuard(t, nil, risk.WithBalanceSource(healthyBalance()))

	rc, err := guard.RiskContextFor(context.Background(), "polymarket")
	assert.NoError(t, err)

	text := rc.Render()
	assert.Contains(t, text, "=== RISK CONSTRAINTS AND CURRENT STATE ===")
	assert.Contains(t, text, "Overall Status: OK (GREEN)")
	assert.Contains(t, text, "=== TRADING STATUS ===")
	assert.Contains(t, text, "=== PORTFOLIO STATE ===")
	assert.Contains(t, text, "Total Portfolio Value: $10000.00")
	assert.Contains(t, text, "=== POSITION SIZE LIMITS ===")
	assert.Contains(t, text, "=== LOSS LIMITS ===")
	assert.Contains(t, text, "=== TRADE FREQUENCY ===")
	assert.Contains(t, text, "=== OVERALL RISK SCORE ===")
	assert.Contains(t, text, "Interpretation: Low risk")

	// Render is deterministic for identical state.
	assert.Equal(t, text, rc.Render())
}

func TestUpdateConfigPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.json")
	guard, _ := newTestGuard(t, nil,
		risk.WithBalanceSource(healthyBalance()),
		risk.WithConfigPath(path))

	assert.NoError(t, guard.UpdateConfig(func(c *risk.RiskConfig) {
		c.MaxPositionSizeUSD = decimal.RequireFromString("200.00")
	}))

	loaded := risk.LoadRiskConfig(path, zap.NewNop())
	assert.True(t, loaded.MaxPositionSizeUSD.Equal(decimal.RequireFromString("200.00")))

	result := guard.CheckTrade(context.Background(), buyRequest("150.00"))
	assert.True(t, result.Approved)
}

func TestProviderOverrideAppliedInCheck(t *testing.T) {
	tighter := decimal.RequireFromString("20.00")
	cfg := risk.DefaultRiskConfig()
	cfg.ProviderOverrides = map[string]risk.ProviderOverride{
		"kalshi": {MaxPositionSizeUSD: &tighter},
	}
	guard, _ := newTestGuard(t, cfg, risk.WithBalanceSource(healthyBalance()))
	ctx := context.Background()

	req := buyRequest("50.00")
	req.Provider = "kalshi"
	result := guard.CheckTrade(ctx, req)
	assert.False(t, result.Approved)
	assert.NotNil(t, violationByCode(result, risk.CodePositionSizeAbsolute))

	result = guard.CheckTrade(ctx, buyRequest("50.00"))
	assert.True(t, result.Approved)
}
