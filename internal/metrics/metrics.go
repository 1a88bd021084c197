package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxy",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	UpstreamAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "upstream_attempts_total",
		Help:      "Total upstream fetch attempts, retries included.",
	})

	UpstreamRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "upstream_retries_total",
		Help:      "Total upstream retries by reason.",
	}, []string{"reason"})

	UpstreamFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "upstream_failures_total",
		Help:      "Total upstream fetches that exhausted all attempts without a response.",
	})

	ManifestRewritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "manifest_rewrites_total",
		Help:      "Total HLS manifests rewritten.",
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "cache_hits_total",
		Help:      "Total proxy requests served from the segment cache.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "cache_misses_total",
		Help:      "Total proxy requests that went to the upstream.",
	})

	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "cache_evictions_total",
		Help:      "Total cache entries removed by reason (expired, pressure, invalidated).",
	}, []string{"reason"})

	CachePersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "cache_persist_failures_total",
		Help:      "Total cache metadata persistence failures.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxy",
		Name:      "cache_size_bytes",
		Help:      "Current total size of tracked cache entries in bytes.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxy",
		Name:      "cache_entries",
		Help:      "Current number of tracked cache entries.",
	})

	PrefetchedSegmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "prefetched_segments_total",
		Help:      "Total segments warmed into the cache by the prefetcher.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamAttemptsTotal,
		UpstreamRetriesTotal,
		UpstreamFailuresTotal,
		ManifestRewritesTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CachePersistFailures,
		CacheSizeBytes,
		CacheEntries,
		PrefetchedSegmentsTotal,
	)
}
