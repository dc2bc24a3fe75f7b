package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentdesk_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// CacheResults counts proxied fetches by how they were served (network|cache|shell|error).
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentdesk_cache_results_total",
			Help: "Total number of proxied fetches by result",
		},
		[]string{"result"},
	)

	// CacheWriteFailures counts write-through failures which were dropped.
	CacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rentdesk_cache_write_failures_total",
			Help: "Total number of failed cache write-throughs",
		},
	)

	// LifecycleEvents counts install/activate runs by outcome (success|failure).
	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentdesk_cache_lifecycle_events_total",
			Help: "Total number of cache lifecycle events",
		},
		[]string{"event", "result"},
	)

	// SyncItems counts queued writes processed by a drain (success|failure|reaped).
	SyncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentdesk_sync_items_total",
			Help: "Total number of queued writes processed during drains",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the number of pending queued writes.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rentdesk_queue_depth",
			Help: "Number of queued writes awaiting sync",
		},
	)
)
