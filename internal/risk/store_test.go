package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/polydeck/terminal/internal/risk"
)

func setupStore(t *testing.T) (*risk.RiskAuditStore, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)
	store, err := risk.NewRiskAuditStore(db, zap.NewNop())
	assert.NoError(t, err)
	return store, db
}

func logAttempt(t *testing.T, store *risk.RiskAuditStore, provider string, approved bool) risk.TradeAuditLog {
	entry := risk.NewTradeAuditLog()
	entry.TokenID = "token-1"
	entry.Side = "BUY"
	entry.Amount = decimal.RequireFromString("25.00")
	entry.Provider = provider
	entry.Approved = approved
	assert.NoError(t, store.LogTradeAttempt(context.Background(), entry))
	return entry
}

func TestTradesCountOnlyApproved(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	logAttempt(t, store, "polymarket", true)
	logAttempt(t, store, "polymarket", true)
	logAttempt(t, store, "polymarket", false)
	logAttempt(t, store, "kalshi", true)

	count, err := store.TradesCountSince(ctx, time.Now().UTC().Add(-time.Minute), "polymarket")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	// Empty provider counts across all providers.
	count, err = store.TradesCountSince(ctx, time.Now().UTC().Add(-time.Minute), "")
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRejectedTrades(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	logAttempt(t, store, "polymarket", true)
	rejected := logAttempt(t, store, "polymarket", false)

	rows, err := store.RejectedTrades(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, rejected.ID, rows[0].ID)
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	active, err := store.IsCircuitBreakerActive(ctx, "polymarket")
	assert.NoError(t, err)
	assert.False(t, active)

	assert.NoError(t, store.TriggerCircuitBreaker(ctx, "Daily loss limit exceeded", 30*time.Minute, risk.ProviderAll))

	// An "all" scoped event blocks every provider.
	active, err = store.IsCircuitBreakerActive(ctx, "polymarket")
	assert.NoError(t, err)
	assert.True(t, active)
	active, err = store.IsCircuitBreakerActive(ctx, "kalshi")
	assert.NoError(t, err)
	assert.True(t, active)

	event, err := store.ActiveCircuitBreakerEvent(ctx, "polymarket")
	assert.NoError(t, err)
	assert.NotNil(t, event)
	assert.Equal(t, "Daily loss limit exceeded", event.Reason)

	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, store.ResetCircuitBreaker(ctx, risk.ProviderAll))

	active, err = store.IsCircuitBreakerActive(ctx, "polymarket")
	assert.NoError(t, err)
	assert.False(t, active)

	// Reset appends; the trigger row survives for the audit trail.
	var count int64
	assert.NoError(t, db.Model(&risk.CircuitBreakerEvent{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestCircuitBreakerProviderScoping(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	assert.NoError(t, store.TriggerCircuitBreaker(ctx, "kalshi outage", 30*time.Minute, "kalshi"))

	active, err := store.IsCircuitBreakerActive(ctx, "kalshi")
	assert.NoError(t, err)
	assert.True(t, active)

	// A provider-scoped event does not block other providers.
	active, err = store.IsCircuitBreakerActive(ctx, "polymarket")
	assert.NoError(t, err)
	assert.False(t, active)
}

func TestCircuitBreakerLatestEventWins(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	assert.NoError(t, store.TriggerCircuitBreaker(ctx, "global halt", 30*time.Minute, risk.ProviderAll))
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, store.ResetCircuitBreaker(ctx, "kalshi"))

	// The newer kalshi reset supersedes the global trip for kalshi only.
	active, err := store.IsCircuitBreakerActive(ctx, "kalshi")
	assert.NoError(t, err)
	assert.False(t, active)

	active, err = store.IsCircuitBreakerActive(ctx, "polymarket")
	assert.NoError(t, err)
	assert.True(t, active)
}

func TestExecutionOutcomesAndOrphans(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	executed := logAttempt(t, store, "polymarket", true)
	orphan := logAttempt(t, store, "polymarket", true)
	logAttempt(t, store, "polymarket", false)

	filled := decimal.RequireFromString("25.00")
	latency := 120.5
	assert.NoError(t, store.LogExecutionOutcome(ctx, executed.ID, "SUCCESS", "order-1", &filled, &latency))

	outcome, err := store.ExecutionOutcomeFor(ctx, executed.ID)
	assert.NoError(t, err)
	assert.NotNil(t, outcome)
	assert.Equal(t, "SUCCESS", outcome.Status)
	assert.Equal(t, "order-1", outcome.OrderID)

	outcome, err = store.ExecutionOutcomeFor(ctx, orphan.ID)
	assert.NoError(t, err)
	assert.Nil(t, outcome)

	orphans, err := store.OrphanedApprovals(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, orphans, 1)
	assert.Equal(t, orphan.ID, orphans[0].ID)
}

func TestExecutionStats(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	a := logAttempt(t, store, "polymarket", true)
	b := logAttempt(t, store, "polymarket", true)
	c := logAttempt(t, store, "polymarket", true)

	latency := 100.0
	assert.NoError(t, store.LogExecutionOutcome(ctx, a.ID, "SUCCESS", "o1", nil, &latency))
	assert.NoError(t, store.LogExecutionOutcome(ctx, b.ID, "SUCCESS", "o2", nil, nil))
	assert.NoError(t, store.LogExecutionOutcome(ctx, c.ID, "FAILED", "", nil, nil))

	stats, err := store.ExecutionStatsSince(ctx, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.TotalExecutions)
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailedCount)
	assert.InDelta(t, 66.6, stats.SuccessRate, 0.1)
	assert.InDelta(t, 100.0, stats.AvgLatencyMS, 0.01)
}

func TestExecutionStatsWindowed(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	old := logAttempt(t, store, "polymarket", true)
	fresh := logAttempt(t, store, "polymarket", true)

	staleLatency := 1000.0
	assert.NoError(t, db.Create(&risk.ExecutionOutcome{
		AttemptID:  old.ID,
		Status:     "SUCCESS",
		OrderID:    "o-old",
		LatencyMS:  &staleLatency,
		ExecutedAt: time.Now().UTC().Add(-2 * time.Hour),
	}).Error)

	freshLatency := 100.0
	assert.NoError(t, store.LogExecutionOutcome(ctx, fresh.ID, "SUCCESS", "o-new", nil, &freshLatency))

	stats, err := store.ExecutionStatsSince(ctx, time.Now().UTC().Add(-5*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.SuccessCount)
	// The stale outcome outside the window must not dilute the average.
	assert.InDelta(t, 100.0, stats.AvgLatencyMS, 0.01)
}
