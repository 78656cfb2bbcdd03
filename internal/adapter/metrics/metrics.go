package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventStoreMetrics holds all Prometheus metrics for the event store.
type EventStoreMetrics struct {
	EventsAppended       *prometheus.CounterVec
	AppendDuration       prometheus.Histogram
	SnapshotsTotal       *prometheus.CounterVec
	SnapshotQueueDepth   prometheus.Gauge
	SnapshotTasksSpilled prometheus.Counter
	PartitionsCreated    prometheus.Counter
	PartitionsDetached   prometheus.Counter
	IntegrityViolations  *prometheus.CounterVec
	APIKeyCacheHits      prometheus.Counter
	APIKeyCacheMisses    prometheus.Counter
}

// NewEventStoreMetrics initializes the metrics and registers them with reg.
// Passing a fresh prometheus.NewRegistry() keeps instances isolated.
func NewEventStoreMetrics(reg prometheus.Registerer) *EventStoreMetrics {
	factory := promauto.With(reg)
	return &EventStoreMetrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "writer",
			Name:      "events_appended_total",
			Help:      "Total number of append attempts by status.",
		}, []string{"status"}), // status: committed, invalid, conflict, error
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventstore",
			Subsystem: "writer",
			Name:      "append_duration_seconds",
			Help:      "Latency of append transactions, single or batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		SnapshotsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "snapshot",
			Name:      "snapshots_total",
			Help:      "Total number of snapshot attempts by outcome.",
		}, []string{"outcome"}), // outcome: created, skipped, failed, dropped
		SnapshotQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventstore",
			Subsystem: "snapshot",
			Name:      "queue_depth",
			Help:      "Number of snapshot tasks waiting in memory.",
		}),
		SnapshotTasksSpilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "snapshot",
			Name:      "tasks_spilled_total",
			Help:      "Snapshot tasks written to the spill journal because the queue was full.",
		}),
		PartitionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "partition",
			Name:      "created_total",
			Help:      "Total number of partitions created.",
		}),
		PartitionsDetached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "partition",
			Name:      "detached_total",
			Help:      "Total number of expired partitions detached by maintenance.",
		}),
		IntegrityViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "integrity",
			Name:      "violations_total",
			Help:      "Integrity violations found by verification runs.",
		}, []string{"kind"}),
		APIKeyCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "auth",
			Name:      "api_key_cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		APIKeyCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eventstore",
			Subsystem: "auth",
			Name:      "api_key_cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
	}
}
