package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polydeck/terminal/internal/metrics"
	"github.com/polydeck/terminal/internal/risk"
	"github.com/polydeck/terminal/internal/telemetry"
)

// MarketStateSource fetches the current state of a watched market. A nil
// state with nil error means the market is temporarily unavailable.
type MarketStateSource interface {
	GetMarketState(ctx context.Context, marketID, provider string) (*MarketState, error)
}

// RiskContextSource is the read-only view of the risk guard the sentinel
// consults before proposing. The sentinel never mutates risk state.
type RiskContextSource interface {
	RiskContextFor(ctx context.Context, provider string) (*risk.RiskContext, error)
}

// SentinelAgent polls watched markets, evaluates triggers and emits
// proposals for human review. It never chooses position size and never
// executes; execution goes through the risk guard independently.
type SentinelAgent struct {
	config     SentinelConfig
	riskSource RiskContextSource
	markets    MarketStateSource
	onProposal func(*SentinelProposal)
	emitter    telemetry.Emitter
	logger     *zap.Logger

	evaluator *TriggerEvaluator
	queue     *ProposalQueue

	// Rate limiting.
	rateMu            sync.Mutex
	lastGlobal        time.Time
	marketCooldowns   map[string]time.Time
	proposalsThisHour []time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// AgentOption configures optional collaborators on a SentinelAgent.
type AgentOption func(*SentinelAgent)

// WithMarketStateSource injects the market state getter.
func WithMarketStateSource(s MarketStateSource) AgentOption {
	return func(a *SentinelAgent) { a.markets = s }
}

// WithProposalCallback registers a callback invoked on each new proposal.
func WithProposalCallback(fn func(*SentinelProposal)) AgentOption {
	return func(a *SentinelAgent) { a.onProposal = fn }
}

// WithEmitter injects the telemetry emitter.
func WithEmitter(e telemetry.Emitter) AgentOption {
	return func(a *SentinelAgent) { a.emitter = e }
}

// NewSentinelAgent creates an agent over the given configuration and risk
// view.
func NewSentinelAgent(config SentinelConfig, riskSource RiskContextSource, logger *zap.Logger, opts ...AgentOption) *SentinelAgent {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	a := &SentinelAgent{
		config:          config,
		riskSource:      riskSource,
		emitter:         telemetry.Nop{},
		logger:          logger,
		evaluator:       NewTriggerEvaluator(logger),
		queue:           NewProposalQueue(50),
		marketCooldowns: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	logger.Info("sentinel agent initialized",
		zap.Int("watched_markets", len(config.WatchedMarkets)),
		zap.Duration("poll_interval", config.PollInterval))
	return a
}

// Start launches the monitoring loop. Starting an already-running agent is
// an error.
func (a *SentinelAgent) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.running {
		return errors.New("sentinel already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.monitorLoop(loopCtx)

	a.logger.Info("sentinel monitoring started")
	a.emitter.Emit("sentinel.started", map[string]any{
		"watched_markets": len(a.config.WatchedMarkets),
	})
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (a *SentinelAgent) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if !a.running {
		return
	}
	a.cancel()
	<-a.done
	a.running = false

	a.logger.Info("sentinel monitoring stopped")
	a.emitter.Emit("sentinel.stopped", nil)
}

// Running reports whether the monitoring loop is active.
func (a *SentinelAgent) Running() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running
}

// monitorLoop polls until the context is cancelled. Cancellation exits
// cleanly; any other failure logs and retries after one interval.
func (a *SentinelAgent) monitorLoop(ctx context.Context) {
	defer close(a.done)
	a.logger.Info("monitoring loop started")

	for {
		a.checkAllMarkets(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("monitoring loop ended")
			return
		case <-time.After(a.config.PollInterval):
		}
	}
}

// checkAllMarkets isolates failures per market: one market's error is
// logged and skipped, never aborting the poll cycle.
func (a *SentinelAgent) checkAllMarkets(ctx context.Context) {
	for _, watched := range a.config.WatchedMarkets {
		if ctx.Err() != nil {
			return
		}
		if err := a.safeCheckMarket(ctx, watched); err != nil {
			a.logger.Error("error checking market",
				zap.String("market_id", watched.MarketID),
				zap.Error(err))
		}
	}
}

// safeCheckMarket converts a panic from an injected source into an error.
// A misbehaving market must never kill the monitoring loop.
func (a *SentinelAgent) safeCheckMarket(ctx context.Context, watched WatchedMarket) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("market check panicked: %v", r)
		}
	}()
	return a.checkMarket(ctx, watched)
}

func (a *SentinelAgent) checkMarket(ctx context.Context, watched WatchedMarket) error {
	if a.markets == nil {
		return nil
	}

	state, err := a.markets.GetMarketState(ctx, watched.MarketID, watched.Provider)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	mid := state.BestBid.Add(state.BestAsk).Div(decimal.NewFromInt(2))
	var volume *decimal.Decimal
	if state.RecentVolume.IsPositive() {
		volume = &state.RecentVolume
	}
	a.evaluator.UpdateHistory(watched.MarketID, &mid, volume)

	for _, trigger := range watched.Triggers {
		if trigger.Type == TriggerNewsCorrelation && !a.config.EnableNewsCorrelation {
			continue
		}
		a.checkTrigger(ctx, watched, trigger, *state)
	}
	return nil
}

func (a *SentinelAgent) checkTrigger(ctx context.Context, watched WatchedMarket, trigger TriggerCondition, state MarketState) {
	fires, value := a.evaluator.Evaluate(trigger, state)
	if !fires {
		return
	}

	if !a.canGenerateProposal(watched) {
		a.logger.Debug("proposal suppressed by rate limit",
			zap.String("market_id", watched.MarketID),
			zap.String("trigger_type", string(trigger.Type)))
		metrics.ProposalsSuppressed.WithLabelValues("rate_limit").Inc()
		return
	}

	snapshot := a.fetchRiskSnapshot(ctx, watched.Provider)

	if reason := snapshot.BlockReason(); reason != "" {
		a.logger.Info("proposal suppressed by risk guard",
			zap.String("market_id", watched.MarketID),
			zap.String("trigger_type", string(trigger.Type)),
			zap.String("reason", reason))
		metrics.ProposalsSuppressed.WithLabelValues("risk").Inc()
		a.emitter.Emit("sentinel.proposal.suppressed", map[string]any{
			"market_id":    watched.MarketID,
			"trigger_type": string(trigger.Type),
			"reason":       reason,
		})
		return
	}

	proposal := a.createProposal(watched, trigger, state, snapshot)

	if value != nil {
		a.evaluator.RecordFire(watched.MarketID, trigger, *value)
	} else {
		a.evaluator.RecordFire(watched.MarketID, trigger, decimal.Zero)
	}
	a.recordProposal(watched.MarketID)

	a.queue.Add(proposal)
	metrics.ProposalsTotal.WithLabelValues("created").Inc()

	if a.onProposal != nil {
		a.onProposal(proposal)
	}
	a.emitter.Emit("sentinel.proposal.created", map[string]any{
		"proposal_id":  proposal.ID,
		"market_id":    watched.MarketID,
		"provider":     watched.Provider,
		"trigger_type": string(trigger.Type),
		"side":         proposal.SuggestedSide,
		"expires_at":   proposal.ExpiresAt,
	})

	a.logger.Info("proposal generated",
		zap.String("proposal_id", proposal.ID),
		zap.String("market_id", watched.MarketID),
		zap.String("trigger_type", string(trigger.Type)),
		zap.String("side", trigger.SuggestedSide))
}

// createProposal freezes the market and risk state into an immutable
// proposal. Sizing is left to the user.
func (a *SentinelAgent) createProposal(watched WatchedMarket, trigger TriggerCondition, state MarketState, snapshot RiskSnapshot) *SentinelProposal {
	now := time.Now().UTC()
	return &SentinelProposal{
		ID:                 NewProposalID(),
		TriggerType:        trigger.Type,
		TriggerThreshold:   trigger.Threshold,
		TriggerDescription: trigger.Describe(),
		Market:             state.Snapshot(),
		Risk:               snapshot,
		RiskSummary:        snapshot.Summary(),
		SuggestedSide:      trigger.SuggestedSide,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Duration(watched.ExpirySeconds) * time.Second),
		Status:             ProposalPending,
	}
}

// fetchRiskSnapshot reads the risk context. No risk source yields
// permissive defaults; a fetch error yields a conservative snapshot with
// zero budgets.
func (a *SentinelAgent) fetchRiskSnapshot(ctx context.Context, provider string) RiskSnapshot {
	if a.riskSource == nil {
		return RiskSnapshot{
			Status:                     risk.StatusGreen,
			RemainingPositionBudgetUSD: decimal.NewFromInt(1000),
			RemainingLossBudgetUSD:     decimal.NewFromInt(100),
			TotalPortfolioValue:        decimal.NewFromInt(10000),
			AvailableBalance:           decimal.NewFromInt(5000),
		}
	}

	rc, err := a.riskSource.RiskContextFor(ctx, provider)
	if err != nil {
		a.logger.Error("error fetching risk context", zap.Error(err))
		return RiskSnapshot{
			Status:    risk.StatusYellow,
			RiskScore: 50,
		}
	}

	return RiskSnapshot{
		Status:                     rc.Status,
		CircuitBreakerActive:       rc.CircuitBreakerActive,
		RemainingPositionBudgetUSD: rc.RemainingPositionBudgetUSD,
		RemainingLossBudgetUSD:     rc.RemainingLossBudgetUSD,
		RiskScore:                  rc.RiskScore,
		TotalPortfolioValue:        rc.TotalPortfolioValue,
		AvailableBalance:           rc.AvailableBalance,
	}
}

// canGenerateProposal applies the rate limits in order: global cooldown,
// per-market cooldown, hourly cap over a sliding window.
func (a *SentinelAgent) canGenerateProposal(watched WatchedMarket) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now().UTC()

	if !a.lastGlobal.IsZero() &&
		now.Sub(a.lastGlobal) < time.Duration(a.config.GlobalCooldownSeconds)*time.Second {
		return false
	}

	if last, ok := a.marketCooldowns[watched.MarketID]; ok &&
		now.Sub(last) < time.Duration(watched.CooldownSeconds)*time.Second {
		return false
	}

	cutoff := now.Add(-time.Hour)
	kept := a.proposalsThisHour[:0]
	for _, t := range a.proposalsThisHour {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.proposalsThisHour = kept

	return len(a.proposalsThisHour) < a.config.MaxProposalsPerHour
}

func (a *SentinelAgent) recordProposal(marketID string) {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	now := time.Now().UTC()
	a.lastGlobal = now
	a.marketCooldowns[marketID] = now
	a.proposalsThisHour = append(a.proposalsThisHour, now)
}

// PendingProposals returns all proposals awaiting a user decision.
func (a *SentinelAgent) PendingProposals() []*SentinelProposal {
	return a.queue.Pending()
}

// ApproveProposal marks a proposal approved. Returns nil when the proposal
// is unknown, decided or expired.
func (a *SentinelAgent) ApproveProposal(id string) *SentinelProposal {
	p := a.queue.Approve(id)
	if p != nil {
		a.emitDecision(p, "approved")
		a.logger.Info("proposal approved", zap.String("proposal_id", id))
	}
	return p
}

// RejectProposal marks a proposal rejected. Returns nil when the proposal
// is unknown, decided or expired.
func (a *SentinelAgent) RejectProposal(id string) *SentinelProposal {
	p := a.queue.Reject(id)
	if p != nil {
		a.emitDecision(p, "rejected")
		a.logger.Info("proposal rejected", zap.String("proposal_id", id))
	}
	return p
}

func (a *SentinelAgent) emitDecision(p *SentinelProposal, decision string) {
	var latency float64
	if p.DecidedAt != nil {
		latency = p.DecidedAt.Sub(p.CreatedAt).Seconds()
	}
	a.emitter.Emit("sentinel.proposal.decided", map[string]any{
		"proposal_id":     p.ID,
		"decision":        decision,
		"latency_seconds": latency,
	})
}

// SentinelStats summarizes the agent's runtime state.
type SentinelStats struct {
	Running           bool           `json:"running"`
	Proposals         QueueStats     `json:"proposals"`
	Triggers          map[string]int `json:"triggers"`
	WatchedMarkets    int            `json:"watched_markets"`
	ProposalsThisHour int            `json:"proposals_this_hour"`
}

// GetStats reports queue composition, trigger fire counts and rate-limit
// usage.
func (a *SentinelAgent) GetStats() SentinelStats {
	a.rateMu.Lock()
	thisHour := len(a.proposalsThisHour)
	a.rateMu.Unlock()

	return SentinelStats{
		Running:           a.Running(),
		Proposals:         a.queue.Stats(),
		Triggers:          a.evaluator.Stats(),
		WatchedMarkets:    len(a.config.WatchedMarkets),
		ProposalsThisHour: thisHour,
	}
}
