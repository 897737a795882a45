package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProviderAll scopes a circuit-breaker event to every provider.
const ProviderAll = "all"

// RiskAuditStore is the append-only ledger behind the guard: trade attempts,
// circuit-breaker events and execution outcomes. Rows are inserted, queried
// by time window and provider, and never updated or deleted.
type RiskAuditStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRiskAuditStore migrates the ledger tables and returns a store.
func NewRiskAuditStore(db *gorm.DB, logger *zap.Logger) (*RiskAuditStore, error) {
	if err := db.AutoMigrate(&TradeAuditLog{}, &CircuitBreakerEvent{}, &ExecutionOutcome{}); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &RiskAuditStore{db: db, logger: logger}, nil
}

// LogTradeAttempt appends one attempt, approved or rejected. Errors are
// surfaced to the caller; the guard treats them as best-effort.
func (s *RiskAuditStore) LogTradeAttempt(ctx context.Context, entry TradeAuditLog) error {
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("log trade attempt: %w", err)
	}
	return nil
}

// TradesCountSince counts approved attempts since the given time. Rejected
// attempts never contribute; rate limits only meter executed trades.
// An empty provider counts across all providers.
func (s *RiskAuditStore) TradesCountSince(ctx context.Context, since time.Time, provider string) (int, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&TradeAuditLog{}).
		Where("timestamp >= ? AND approved = ?", since, true)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count trades since %s: %w", since.Format(time.RFC3339), err)
	}
	return int(count), nil
}

// TradesSince returns attempts since the given time, newest first.
func (s *RiskAuditStore) TradesSince(ctx context.Context, since time.Time, provider string) ([]TradeAuditLog, error) {
	var rows []TradeAuditLog
	q := s.db.WithContext(ctx).Where("timestamp >= ?", since).Order("timestamp DESC")
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return rows, nil
}

// RejectedTrades returns the most recent rejected attempts.
func (s *RiskAuditStore) RejectedTrades(ctx context.Context, limit int) ([]TradeAuditLog, error) {
	var rows []TradeAuditLog
	err := s.db.WithContext(ctx).
		Where("approved = ?", false).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query rejected trades: %w", err)
	}
	return rows, nil
}

// TriggerCircuitBreaker appends a breaker event whose cooldown starts now.
func (s *RiskAuditStore) TriggerCircuitBreaker(ctx context.Context, reason string, cooldown time.Duration, provider string) error {
	now := time.Now().UTC()
	event := CircuitBreakerEvent{
		TriggeredAt:   now,
		Reason:        reason,
		CooldownUntil: now.Add(cooldown),
		Provider:      provider,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("trigger circuit breaker: %w", err)
	}
	s.logger.Warn("circuit breaker tripped",
		zap.String("reason", reason),
		zap.String("provider", provider),
		zap.Time("cooldown_until", event.CooldownUntil))
	return nil
}

// ResetCircuitBreaker clears the breaker for a provider by appending an
// already-expired event. Prior events are superseded, never deleted, so the
// audit trail stays intact.
func (s *RiskAuditStore) ResetCircuitBreaker(ctx context.Context, provider string) error {
	now := time.Now().UTC()
	event := CircuitBreakerEvent{
		TriggeredAt:   now,
		Reason:        "Manual reset",
		CooldownUntil: now.Add(-time.Minute),
		Provider:      provider,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("reset circuit breaker: %w", err)
	}
	s.logger.Info("circuit breaker reset", zap.String("provider", provider))
	return nil
}

// ActiveCircuitBreakerEvent returns the latest event scoped to the provider
// or to "all", if its cooldown has not yet elapsed. The tie-break between a
// global and a per-provider event is the most recent trigger time, not the
// more specific scope.
func (s *RiskAuditStore) ActiveCircuitBreakerEvent(ctx context.Context, provider string) (*CircuitBreakerEvent, error) {
	var event CircuitBreakerEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? OR provider = ?", provider, ProviderAll).
		Order("triggered_at DESC").
		First(&event).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query circuit breaker events: %w", err)
	}
	if time.Now().UTC().Before(event.CooldownUntil) {
		return &event, nil
	}
	return nil, nil
}

// IsCircuitBreakerActive reports whether the breaker currently blocks the
// provider.
func (s *RiskAuditStore) IsCircuitBreakerActive(ctx context.Context, provider string) (bool, error) {
	event, err := s.ActiveCircuitBreakerEvent(ctx, provider)
	if err != nil {
		return false, err
	}
	return event != nil, nil
}

// LogExecutionOutcome records what the execution path did with an approved
// attempt.
func (s *RiskAuditStore) LogExecutionOutcome(ctx context.Context, attemptID, status, orderID string, filled *decimal.Decimal, latencyMS *float64) error {
	outcome := ExecutionOutcome{
		AttemptID:    attemptID,
		Status:       status,
		OrderID:      orderID,
		FilledAmount: filled,
		LatencyMS:    latencyMS,
		ExecutedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&outcome).Error; err != nil {
		return fmt.Errorf("log execution outcome: %w", err)
	}
	return nil
}

// ExecutionOutcomeFor returns the latest outcome recorded for an attempt,
// or nil if none exists.
func (s *RiskAuditStore) ExecutionOutcomeFor(ctx context.Context, attemptID string) (*ExecutionOutcome, error) {
	var outcome ExecutionOutcome
	err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("id DESC").
		First(&outcome).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query execution outcome: %w", err)
	}
	return &outcome, nil
}

// OrphanedApprovals returns approved attempts with no recorded execution
// outcome, newest first. These indicate a gap between approval and
// execution reporting.
func (s *RiskAuditStore) OrphanedApprovals(ctx context.Context, limit int) ([]TradeAuditLog, error) {
	var rows []TradeAuditLog
	sub := s.db.Model(&ExecutionOutcome{}).Select("attempt_id")
	err := s.db.WithContext(ctx).
		Where("approved = ? AND id NOT IN (?)", true, sub).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query orphaned approvals: %w", err)
	}
	return rows, nil
}

// ExecutionStatsSince aggregates execution outcomes. A zero since time means
// all history.
func (s *RiskAuditStore) ExecutionStatsSince(ctx context.Context, since time.Time) (ExecutionStats, error) {
	base := s.db.WithContext(ctx).Model(&ExecutionOutcome{})
	if !since.IsZero() {
		base = base.Where("executed_at >= ?", since)
	}

	var stats ExecutionStats
	counts := []struct {
		status string
		dest   *int
	}{
		{"", &stats.TotalExecutions},
		{"SUCCESS", &stats.SuccessCount},
		{"FAILED", &stats.FailedCount},
		{"TIMEOUT", &stats.TimeoutCount},
	}
	for _, c := range counts {
		q := base.Session(&gorm.Session{})
		if c.status != "" {
			q = q.Where("status = ?", c.status)
		}
		var n int64
		if err := q.Count(&n).Error; err != nil {
			return ExecutionStats{}, fmt.Errorf("execution stats: %w", err)
		}
		*c.dest = int(n)
	}

	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalExecutions) * 100
	}

	var avg *float64
	if err := base.Session(&gorm.Session{}).
		Where("latency_ms IS NOT NULL").
		Select("AVG(latency_ms)").
		Scan(&avg).Error; err != nil {
		return ExecutionStats{}, fmt.Errorf("execution stats latency: %w", err)
	}
	if avg != nil {
		stats.AvgLatencyMS = *avg
	}
	return stats, nil
}
