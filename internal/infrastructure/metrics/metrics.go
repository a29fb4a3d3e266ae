// Package metrics holds the Prometheus collectors of the service.
// Collectors register with the default registry on package init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "study_companion"

var (
	// AnalysisRuns counts orchestrator runs by outcome
	// (completed, already_completed, blocked, failed).
	AnalysisRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Retroactive analysis runs by outcome.",
		},
		[]string{"outcome"},
	)

	// AnalysisPhaseDuration observes time spent per phase.
	AnalysisPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "phase_duration_seconds",
			Help:      "Retroactive analysis phase latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	AnalysisPointsAwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "points_awarded_total",
			Help:      "Points awarded by retroactive analysis.",
		},
	)

	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "requests_total",
			Help:      "Classifier HTTP requests by result.",
		},
		[]string{"result"},
	)

	ClassifierCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "cache_lookups_total",
			Help:      "Classifier cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	CalendarFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "fetches_total",
			Help:      "Calendar feed downloads by result.",
		},
		[]string{"result"},
	)

	FreeSlotRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slots",
			Name:      "requests_total",
			Help:      "Free-slot searches by result.",
		},
		[]string{"result"},
	)

	RemindersDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "dispatched_total",
			Help:      "Goal reminders published.",
		},
	)

	// TaskOutcomes counts queue task outcomes (succeeded, rescheduled, failed).
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "outcomes_total",
			Help:      "Analysis task outcomes.",
		},
		[]string{"outcome"},
	)

	// EventsPublished counts events accepted by the bus, by event type.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Domain events published by type.",
		},
		[]string{"type"},
	)

	// EventHandlerRuns counts handler executions (ok, failed, panic).
	EventHandlerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_runs_total",
			Help:      "Event handler executions by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	EventHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_duration_seconds",
			Help:      "Event handler latency by type.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// JobRuns counts scheduled job executions (ok, failed, skipped).
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job latency by job.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// Outcome labels shared by the bus and the scheduler.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomePanic   = "panic"
	OutcomeSkipped = "skipped"
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
