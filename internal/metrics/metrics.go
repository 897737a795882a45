// Package metrics exposes prometheus collectors for the risk control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradeChecksTotal counts trade validations by provider and outcome.
var TradeChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polydeck_risk_trade_checks_total",
		Help: "Total number of trade attempts validated by the risk guard",
	},
	[]string{"provider", "approved"},
)

// ViolationsTotal counts violations by stable error code.
var ViolationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polydeck_risk_violations_total",
		Help: "Total number of risk violations by error code",
	},
	[]string{"code"},
)

// CircuitBreakerTrips counts breaker activations by provider scope.
var CircuitBreakerTrips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polydeck_risk_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker activations",
	},
	[]string{"provider"},
)

// ProposalsTotal counts sentinel proposals by terminal outcome.
var ProposalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polydeck_sentinel_proposals_total",
		Help: "Total number of sentinel proposals by outcome",
	},
	[]string{"outcome"},
)

// ProposalsSuppressed counts proposals suppressed by rate limits or risk.
var ProposalsSuppressed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polydeck_sentinel_proposals_suppressed_total",
		Help: "Total number of sentinel proposals suppressed before creation",
	},
	[]string{"reason"},
)

// PendingProposals tracks the current pending queue depth.
var PendingProposals = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "polydeck_sentinel_pending_proposals",
		Help: "Number of sentinel proposals currently pending a decision",
	},
)

func init() {
	prometheus.MustRegister(
		TradeChecksTotal,
		ViolationsTotal,
		CircuitBreakerTrips,
		ProposalsTotal,
		ProposalsSuppressed,
		PendingProposals,
	)
}
