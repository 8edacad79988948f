// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_attend_total",
		Help: "Attend calls that created a record, by policy and initial disposition.",
	}, []string{"policy", "disposition"})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_callbacks_total",
		Help: "Verifier callbacks by outcome.",
	}, []string{"outcome"})

	OverridesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_overrides_total",
		Help: "Manual teacher overrides applied to live records.",
	})

	DispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_dispatch_failures_total",
		Help: "Face checks that could not be handed to the verifier.",
	})

	ForcedRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_forced_rejections_total",
		Help: "Pending records rejected because the grace period ran out.",
	})

	ArchivedSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_archived_sessions_total",
		Help: "Sessions persisted to the durable store and removed from the live store.",
	})

	ArchiveFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_archive_failures_total",
		Help: "Archive attempts that failed and were left for the next run.",
	})

	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classattend_drain_duration_seconds",
		Help:    "Time from drain start until the session was archived.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})
)

// Callback outcomes.
const (
	CallbackApplied         = "applied"
	CallbackStale           = "stale"
	CallbackUnauthenticated = "unauthenticated"
	CallbackInvalid         = "invalid"
)
