// Package metrics holds the Prometheus collectors shared by the pipeline, search and HTTP layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mediasearch"

// Ingestion pipeline.
var (
	// IngestTransitions counts status transitions written by the orchestrator.
	IngestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_transitions_total",
			Help:      "Upload status transitions written by the ingestion pipeline.",
		},
		[]string{"status"},
	)

	// IngestStageDuration observes analysis and embedding call latency.
	IngestStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_duration_seconds",
			Help:      "Latency of ingestion stage calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage", "outcome"},
	)

	// IngestSubmissions counts Submit outcomes (accepted, rejected, invalid).
	IngestSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_submissions_total",
			Help:      "Upload submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// IngestRetries counts scheduled backoff retries.
	IngestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_retries_total",
		Help:      "Backoff retries scheduled by the ingestion pipeline.",
	})

	// IngestQueueDepth reports upload ids waiting for a worker.
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_queue_depth",
		Help:      "Upload ids waiting in the ingestion queue.",
	})
)

// Search and result cache.
var (
	// SearchDuration observes end-to-end search latency.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Latency of search requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cached"},
	)

	// SearchErrors counts failed searches by error kind.
	SearchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_errors_total",
			Help:      "Failed searches by error kind.",
		},
		[]string{"kind"},
	)

	// CacheHits counts result cache hits per backend.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Search result cache hits.",
		},
		[]string{"backend"},
	)

	// CacheMisses counts result cache misses per backend.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Search result cache misses.",
		},
		[]string{"backend"},
	)
)

// HTTP.
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
