// Package metrics defines the Prometheus collectors for the comment pipeline:
// outbox publication, index synchronisation, search latency and retention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

type Pipeline struct {
	EventsPublished *prometheus.CounterVec
	OutboxBacklog   prometheus.Gauge
	IndexOps        *prometheus.CounterVec
	SyncRuns        *prometheus.CounterVec
	SearchLatency   *prometheus.HistogramVec
	SweepRemoved    prometheus.Counter
	SweepRuns       *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil uses the default
// registerer, which is what /metrics serves.
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Pipeline{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comments",
			Name:      "events_published_total",
			Help:      "Domain events handed to the broker, by subject and result.",
		}, []string{"subject", "result"}),
		OutboxBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "comments",
			Name:      "outbox_backlog",
			Help:      "Committed events not yet published.",
		}),
		IndexOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comments",
			Name:      "index_operations_total",
			Help:      "Search index mutations applied from events, by operation and result.",
		}, []string{"op", "result"}),
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comments",
			Name:      "index_sync_runs_total",
			Help:      "Full and incremental index syncs, by type and result.",
		}, []string{"type", "result"}),
		SearchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comments",
			Name:      "search_duration_seconds",
			Help:      "Latency of search engine queries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"}),
		SweepRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: "comments",
			Name:      "retention_removed_total",
			Help:      "Rows removed by retention sweeps.",
		}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comments",
			Name:      "retention_sweeps_total",
			Help:      "Retention sweeps, by result.",
		}, []string{"result"}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for tests
// and for components constructed without metrics.
func NewUnregistered() *Pipeline {
	return New(prometheus.NewRegistry())
}
