package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	shardsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardctl",
			Subsystem: "registry",
			Name:      "shards",
			Help:      "Registered shards by lifecycle status.",
		},
		[]string{"status"},
	)
	lifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardctl",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)
	recreateAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shardctl",
			Subsystem: "lifecycle",
			Name:      "recreate_attempts",
			Help:      "Attempts consumed per recreate call chain.",
			Buckets:   []float64{1, 2, 3, 4},
		},
	)
	eventsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardctl",
			Subsystem: "bus",
			Name:      "events_forwarded_total",
			Help:      "Protocol events republished on the global bus.",
		},
		[]string{"event"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shardctl",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped by saturated shard subscriptions.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			shardsByStatus,
			lifecycleOps,
			recreateAttempts,
			eventsForwarded,
			eventsDropped,
		)
	})
}

func RecordShardStatus(status string, delta float64) {
	RegisterMetrics()
	shardsByStatus.WithLabelValues(status).Add(delta)
}

func RecordLifecycleOp(op string, outcome string) {
	RegisterMetrics()
	lifecycleOps.WithLabelValues(op, outcome).Inc()
}

func RecordRecreateAttempts(attempts int) {
	RegisterMetrics()
	recreateAttempts.Observe(float64(attempts))
}

func RecordEventForwarded(event string) {
	RegisterMetrics()
	eventsForwarded.WithLabelValues(event).Inc()
}

func RecordEventDropped() {
	RegisterMetrics()
	eventsDropped.Inc()
}
