package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	AssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_assessments_total",
			Help: "Total number of risk assessments evaluated",
		},
		[]string{"source"}, // source: stream, cadence
	)

	ScorerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskengine_scorer_errors_total",
			Help: "Total number of cycles skipped because the scorer was unreachable",
		},
	)

	// Condition state machine metrics
	ConditionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_condition_transitions_total",
			Help: "Total number of alert condition state transitions",
		},
		[]string{"transition"}, // activated, resolved, escalated, suppressed, reactivated
	)

	ActiveConditions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskengine_active_conditions",
			Help: "Current number of non-idle alert conditions",
		},
	)

	PendingTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskengine_pending_escalation_timers",
			Help: "Current number of armed escalation timers",
		},
	)

	// Dispatch metrics
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_dispatch_attempts_total",
			Help: "Total number of notification send attempts",
		},
		[]string{"channel", "result"}, // result: sent, failed, retrying
	)

	DispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskengine_dispatch_dropped_total",
			Help: "Total number of notifications dropped because the dispatch queue was full",
		},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskengine_dispatch_queue_depth",
			Help: "Current number of queued notification jobs",
		},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskengine_dispatch_duration_seconds",
			Help:    "Time taken to deliver one notification including retries",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	// History store metrics
	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskengine_alert_events_total",
			Help: "Total number of alert events appended to history",
		},
		[]string{"risk_class", "outcome"},
	)
)
