package sentinel

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const historyRetention = 2 * time.Hour

type pricePoint struct {
	at    time.Time
	value decimal.Decimal
}

// PriceHistory is the rolling price/volume ledger for one market. Points
// older than the retention window are dropped on every write.
type PriceHistory struct {
	prices  []pricePoint
	volumes []pricePoint
}

// AddPrice appends a price observation.
func (h *PriceHistory) AddPrice(at time.Time, price decimal.Decimal) {
	h.prices = append(h.prices, pricePoint{at: at, value: price})
	h.cleanup()
}

// AddVolume appends a volume observation.
func (h *PriceHistory) AddVolume(at time.Time, volume decimal.Decimal) {
	h.volumes = append(h.volumes, pricePoint{at: at, value: volume})
	h.cleanup()
}

func (h *PriceHistory) cleanup() {
	cutoff := time.Now().UTC().Add(-historyRetention)
	h.prices = trimBefore(h.prices, cutoff)
	h.volumes = trimBefore(h.volumes, cutoff)
}

func trimBefore(points []pricePoint, cutoff time.Time) []pricePoint {
	i := 0
	for i < len(points) && !points[i].at.After(cutoff) {
		i++
	}
	return points[i:]
}

// VolumeSince sums volume observed in the last window.
func (h *PriceHistory) VolumeSince(window time.Duration) decimal.Decimal {
	cutoff := time.Now().UTC().Add(-window)
	total := decimal.Zero
	for _, p := range h.volumes {
		if p.at.After(cutoff) {
			total = total.Add(p.value)
		}
	}
	return total
}

// AvgVolume averages the volume observations in the last window.
func (h *PriceHistory) AvgVolume(window time.Duration) decimal.Decimal {
	cutoff := time.Now().UTC().Add(-window)
	total := decimal.Zero
	count := 0
	for _, p := range h.volumes {
		if p.at.After(cutoff) {
			total = total.Add(p.value)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(count)))
}

// PriceChangePct returns the relative price move over the last window, from
// the oldest to the newest observation inside it.
func (h *PriceHistory) PriceChangePct(window time.Duration) decimal.Decimal {
	cutoff := time.Now().UTC().Add(-window)
	var recent []pricePoint
	for _, p := range h.prices {
		if p.at.After(cutoff) {
			recent = append(recent, p)
		}
	}
	if len(recent) < 2 {
		return decimal.Zero
	}
	oldest := recent[0].value
	newest := recent[len(recent)-1].value
	if oldest.IsZero() {
		return decimal.Zero
	}
	return newest.Sub(oldest).Div(oldest)
}

// triggerState tracks firing and debounce per (market, trigger) pair.
type triggerState struct {
	lastFiredAt       time.Time
	lastValueAtFire   decimal.Decimal
	crossedHysteresis bool
	fireCount         int
}

func (s *triggerState) recordFire(value decimal.Decimal) {
	s.lastFiredAt = time.Now().UTC()
	s.lastValueAtFire = value
	s.crossedHysteresis = false
	s.fireCount++
}

// checkHysteresis re-arms the trigger once the value has retreated past the
// threshold by the hysteresis margin. Above-triggers re-arm on a drop below
// threshold-margin, below-triggers on a rise above threshold+margin.
func (s *triggerState) checkHysteresis(current, threshold, hysteresisPct decimal.Decimal, aboveTrigger bool) {
	if s.crossedHysteresis {
		return
	}
	margin := threshold.Mul(hysteresisPct)
	if aboveTrigger {
		if current.LessThan(threshold.Sub(margin)) {
			s.crossedHysteresis = true
		}
	} else {
		if current.GreaterThan(threshold.Add(margin)) {
			s.crossedHysteresis = true
		}
	}
}

// TriggerEvaluator evaluates trigger conditions against market state. The
// predicate logic is pure; the evaluator only keeps debounce/hysteresis
// bookkeeping and the rolling history per market.
type TriggerEvaluator struct {
	mu        sync.Mutex
	states    map[string]*triggerState
	histories map[string]*PriceHistory
	logger    *zap.Logger
}

// NewTriggerEvaluator returns an empty evaluator.
func NewTriggerEvaluator(logger *zap.Logger) *TriggerEvaluator {
	return &TriggerEvaluator{
		states:    make(map[string]*triggerState),
		histories: make(map[string]*PriceHistory),
		logger:    logger,
	}
}

func triggerKey(marketID string, trigger TriggerCondition) string {
	return fmt.Sprintf("%s:%s:%s", marketID, trigger.Type, trigger.Threshold)
}

func (e *TriggerEvaluator) state(marketID string, trigger TriggerCondition) *triggerState {
	key := triggerKey(marketID, trigger)
	s, ok := e.states[key]
	if !ok {
		s = &triggerState{crossedHysteresis: true}
		e.states[key] = s
	}
	return s
}

func (e *TriggerEvaluator) history(marketID string) *PriceHistory {
	h, ok := e.histories[marketID]
	if !ok {
		h = &PriceHistory{}
		e.histories[marketID] = h
	}
	return h
}

// UpdateHistory records a price and/or volume observation for a market.
// Nil arguments are skipped.
func (e *TriggerEvaluator) UpdateHistory(marketID string, price, volume *decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.history(marketID)
	now := time.Now().UTC()
	if price != nil {
		h.AddPrice(now, *price)
	}
	if volume != nil {
		h.AddVolume(now, *volume)
	}
}

// Evaluate reports whether a trigger fires against the given state, and the
// value that was compared. A trigger that fired within its debounce window
// does not fire again.
func (e *TriggerEvaluator) Evaluate(trigger TriggerCondition, state MarketState) (bool, *decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.state(state.MarketID, trigger)
	h := e.history(state.MarketID)

	if !ts.lastFiredAt.IsZero() {
		elapsed := time.Since(ts.lastFiredAt)
		if elapsed < time.Duration(trigger.DebounceSeconds)*time.Second {
			return false, nil
		}
	}

	switch trigger.Type {
	case TriggerPriceBelow:
		current := state.BestBid
		ts.checkHysteresis(current, trigger.Threshold, trigger.HysteresisPct, false)
		if !ts.crossedHysteresis {
			return false, &current
		}
		return current.LessThanOrEqual(trigger.Threshold), &current

	case TriggerPriceAbove:
		current := state.BestAsk
		ts.checkHysteresis(current, trigger.Threshold, trigger.HysteresisPct, true)
		if !ts.crossedHysteresis {
			return false, &current
		}
		return current.GreaterThanOrEqual(trigger.Threshold), &current

	case TriggerSpreadAbove:
		current := state.Spread
		return current.GreaterThanOrEqual(trigger.Threshold), &current

	case TriggerSpreadBelow:
		current := state.Spread
		return current.LessThanOrEqual(trigger.Threshold), &current

	case TriggerVolumeSpike:
		recent := h.VolumeSince(time.Duration(trigger.TimeWindowSeconds) * time.Second)
		baseline := h.AvgVolume(time.Duration(trigger.BaselineWindowSeconds) * time.Second)
		if baseline.IsZero() {
			zero := decimal.Zero
			return false, &zero
		}
		ratio := recent.Div(baseline)
		return ratio.GreaterThan(trigger.Threshold), &ratio

	case TriggerImbalanceBuy:
		current := state.Imbalance
		return current.GreaterThanOrEqual(trigger.Threshold), &current

	case TriggerImbalanceSell:
		current := state.Imbalance
		return current.LessThanOrEqual(trigger.Threshold.Neg()), &current

	case TriggerMarketReopen:
		fires := state.PrevStatus != "" &&
			state.PrevStatus != "active" &&
			state.Status == "active"
		return fires, nil

	case TriggerNewsCorrelation:
		// Without an attached news feed this degrades to a price-move check.
		change := h.PriceChangePct(time.Duration(trigger.TimeWindowSeconds) * time.Second)
		return change.Abs().GreaterThanOrEqual(trigger.Threshold), &change
	}

	e.logger.Warn("unknown trigger type", zap.String("trigger_type", string(trigger.Type)))
	return false, nil
}

// RecordFire marks a trigger as fired for debounce tracking.
func (e *TriggerEvaluator) RecordFire(marketID string, trigger TriggerCondition, value decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.state(marketID, trigger)
	ts.recordFire(value)
	e.logger.Info("trigger fired",
		zap.String("market_id", marketID),
		zap.String("trigger_type", string(trigger.Type)),
		zap.String("threshold", trigger.Threshold.String()),
		zap.String("value", value.String()),
		zap.Int("fire_count", ts.fireCount))
}

// CanFire reports whether the debounce window for a trigger has elapsed.
func (e *TriggerEvaluator) CanFire(marketID string, trigger TriggerCondition) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.state(marketID, trigger)
	if ts.lastFiredAt.IsZero() {
		return true
	}
	return time.Since(ts.lastFiredAt) >= time.Duration(trigger.DebounceSeconds)*time.Second
}

// Stats returns fire counts keyed by market and trigger identity.
func (e *TriggerEvaluator) Stats() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := make(map[string]int, len(e.states))
	for key, s := range e.states {
		stats[key] = s.fireCount
	}
	return stats
}

// Reset clears all trigger state and histories.
func (e *TriggerEvaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states = make(map[string]*triggerState)
	e.histories = make(map[string]*PriceHistory)
}
