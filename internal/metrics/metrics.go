// Package metrics defines the Prometheus instruments the Sync Manager,
// Offline Queue, and Cross-Tab Coordinator update as they work. Nothing
// in this package serves an HTTP endpoint; a host process that wants to
// expose these registers prometheus.DefaultRegisterer with its own
// handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OperationsPushed     prometheus.Counter
	OperationsAcked      prometheus.Counter
	OperationsEnqueued   prometheus.Counter
	OperationsReplayed   prometheus.Counter
	OperationsDeadLetter prometheus.Counter
	AckTimeouts          prometheus.Counter
	SyncResponseTimeouts prometheus.Counter
	ConflictsResolved    prometheus.Counter
	QueueDepth           prometheus.Gauge
	FailedQueueDepth     prometheus.Gauge
	PushLatency          prometheus.Histogram
	LeaderElections      prometheus.Counter
	DivergenceRepairs    prometheus.Counter
}

// NewMetrics registers a fresh instrument set against its own registry
// so that, unlike a package-level promauto.NewCounter, constructing more
// than one Metrics (one per test, one per document in a multi-tenant
// host) never panics on duplicate registration. Callers that want these
// instruments merged into a process-wide registry can pass
// prometheus.DefaultRegisterer explicitly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		OperationsPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_operations_pushed_total",
			Help: "Total number of operations pushed to the transport",
		}),
		OperationsAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_operations_acked_total",
			Help: "Total number of operations acknowledged by the peer",
		}),
		OperationsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_operations_enqueued_total",
			Help: "Total number of operations enqueued to the offline queue",
		}),
		OperationsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_operations_replayed_total",
			Help: "Total number of offline-queue operations successfully replayed",
		}),
		OperationsDeadLetter: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_operations_dead_letter_total",
			Help: "Total number of operations moved to the dead-letter queue",
		}),
		AckTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_ack_timeouts_total",
			Help: "Total number of push ACK waits that timed out",
		}),
		SyncResponseTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_sync_response_timeouts_total",
			Help: "Total number of subscribe/sync-request waits that timed out",
		}),
		ConflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_conflicts_resolved_total",
			Help: "Total number of concurrent-write conflicts resolved via LWW tiebreak",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_queue_depth",
			Help: "Current number of pending entries in the offline queue",
		}),
		FailedQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_failed_queue_depth",
			Help: "Current number of entries in the dead-letter queue",
		}),
		PushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "synckit_push_latency_seconds",
			Help:    "Latency from push to ACK",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		LeaderElections: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_leader_elections_total",
			Help: "Total number of cross-tab leader elections run",
		}),
		DivergenceRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_divergence_repairs_total",
			Help: "Total number of full-sync repairs triggered by state-hash divergence",
		}),
	}
}
