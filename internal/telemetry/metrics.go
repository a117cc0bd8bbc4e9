// Package telemetry provides Prometheus metrics for dialogue orchestration.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcome label values.
const (
	OutcomeCommitted = "committed"
	OutcomeSafety    = "safety"
	OutcomeBusy      = "busy"
	OutcomeFailed    = "failed"
)

var (
	// TurnsTotal counts completed orchestration turns.
	// Labels: outcome (committed, safety, busy, failed)
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "orchestrator",
			Name:      "turns_total",
			Help:      "Total number of dialogue turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks end-to-end turn latency.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dialogd",
			Subsystem: "orchestrator",
			Name:      "turn_duration_seconds",
			Help:      "Duration of a full dialogue turn in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SafetyEscalationsTotal counts turns rerouted to the crisis path.
	SafetyEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "safety",
			Name:      "escalations_total",
			Help:      "Total number of turns rerouted to the crisis path",
		},
	)

	// DecisionFallbacksTotal counts supervisor outputs that needed the
	// regex fallback parser.
	DecisionFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "decision",
			Name:      "parse_fallbacks_total",
			Help:      "Total number of supervisor responses parsed by the fallback path",
		},
	)

	// StageAdvancesTotal counts stage transitions.
	StageAdvancesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "stage",
			Name:      "advances_total",
			Help:      "Total number of stage advances",
		},
	)

	// ModelCallErrorsTotal counts provider failures by agent role.
	// Labels: role (supervisor, therapist)
	ModelCallErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "llm",
			Name:      "call_errors_total",
			Help:      "Total number of model call failures by agent role",
		},
		[]string{"role"},
	)
)
