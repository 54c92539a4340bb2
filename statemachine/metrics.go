package statemachine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric outcome constants.
const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// Metric definitions with appropriate labels.
var (
	// transitionsTotal tracks state transitions.
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "statemachine_transitions_total",
		Help: "Total number of state transitions by machine, from_state, to_state and event",
	}, []string{"machine", "from_state", "to_state", "event"})

	// residencyDuration tracks how long states stay active, teardown included.
	residencyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{ //nolint:gochecknoglobals
		Name:    "statemachine_residency_duration_seconds",
		Help:    "Time spent in a state by machine, state and outcome",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 3600},
	}, []string{"machine", "state", "outcome"})

	// reactionsTotal counts reaction handler invocations.
	reactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "statemachine_reactions_total",
		Help: "Total number of reaction handler runs by machine, state, event, policy and outcome",
	}, []string{"machine", "state", "event", "policy", "outcome"})

	// runsActive tracks machines currently running.
	runsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{ //nolint:gochecknoglobals
		Name: "statemachine_runs_active",
		Help: "Number of running machine instances",
	}, []string{"machine"})

	// runsTotal counts finished runs.
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "statemachine_runs_total",
		Help: "Total number of finished runs by machine and outcome",
	}, []string{"machine", "outcome"})

	// staleEventsTotal counts publications and context writes rejected
	// because their state or run had already ended.
	staleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "statemachine_stale_events_total",
		Help: "Total number of rejected stale publications and context writes",
	}, []string{"machine", "kind"})

	// guardEvaluationsTotal counts guard calls by result (true, false, error).
	guardEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "statemachine_guard_evaluations_total",
		Help: "Total number of guard evaluations by machine, state, event and result",
	}, []string{"machine", "state", "event", "result"})
)

func outcomeOf(err error) string {
	if err != nil {
		return outcomeError
	}

	return outcomeSuccess
}
