package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Acquire metrics
	AcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_acquires_total",
			Help: "Total number of acquire calls by outcome (granted, rate_limited, bypassed, error)",
		},
		[]string{"outcome"},
	)

	AcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "floodgate_acquire_duration_seconds",
			Help:    "End-to-end acquire latency including conflict retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	ConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "floodgate_conflict_retries_total",
			Help: "Total number of acquire retries caused by optimistic concurrency conflicts",
		},
	)

	AdjustsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_adjusts_total",
			Help: "Total number of lease adjustments by outcome (ok, error)",
		},
		[]string{"outcome"},
	)

	// Store metrics
	StoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_store_retries_total",
			Help: "Total number of transient store errors retried by operation",
		},
		[]string{"operation"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floodgate_store_operation_duration_seconds",
			Help:    "Store round-trip latency by operation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	// Cache metrics
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_cache_lookups_total",
			Help: "Total number of in-process cache lookups by cache and result (hit, miss)",
		},
		[]string{"cache", "result"},
	)
)

// Register registers all Floodgate collectors with the given registerer.
// Applications embedding the library call this once, typically with
// prometheus.DefaultRegisterer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		AcquiresTotal,
		AcquireDuration,
		ConflictRetriesTotal,
		AdjustsTotal,
		StoreRetriesTotal,
		StoreOperationDuration,
		CacheLookupsTotal,
	)
}
