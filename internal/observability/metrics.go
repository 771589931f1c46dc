// Package observability exposes prometheus metrics for the session engine.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	fragmentsAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evergreen",
			Subsystem: "engine",
			Name:      "fragments_admitted_total",
			Help:      "Inbound fragments admitted, by node kind.",
		},
		[]string{"kind"},
	)
	fragmentsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evergreen",
			Subsystem: "engine",
			Name:      "fragments_duplicate_total",
			Help:      "Duplicate-seq fragments silently dropped.",
		},
	)
	sessionsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evergreen",
			Subsystem: "engine",
			Name:      "sessions_aborted_total",
			Help:      "Sessions aborted, by protocol error kind.",
		},
		[]string{"kind"},
	)
	sessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evergreen",
			Subsystem: "engine",
			Name:      "sessions_completed_total",
			Help:      "Sessions that reached orderly completion.",
		},
	)
	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evergreen",
			Subsystem: "engine",
			Name:      "action_duration_seconds",
			Help:      "Action execution duration from dispatch to final output.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "status"},
	)
	outboundFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evergreen",
			Subsystem: "engine",
			Name:      "outbound_fragments_total",
			Help:      "Fragments handed to the outbound writer.",
		},
	)
)

// RegisterMetrics registers the engine collectors with the default registry.
// Safe to call from multiple components; registration happens once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			fragmentsAdmitted,
			fragmentsDuplicate,
			sessionsAborted,
			sessionsCompleted,
			actionDuration,
			outboundFragments,
		)
	})
}

func RecordFragment(kind string) {
	RegisterMetrics()
	fragmentsAdmitted.WithLabelValues(kind).Inc()
}

func RecordDuplicate() {
	RegisterMetrics()
	fragmentsDuplicate.Inc()
}

func RecordAbort(kind string) {
	RegisterMetrics()
	sessionsAborted.WithLabelValues(kind).Inc()
}

func RecordCompletion() {
	RegisterMetrics()
	sessionsCompleted.Inc()
}

func RecordAction(target, status string, duration time.Duration) {
	RegisterMetrics()
	actionDuration.WithLabelValues(target, status).Observe(duration.Seconds())
}

func RecordOutbound() {
	RegisterMetrics()
	outboundFragments.Inc()
}
