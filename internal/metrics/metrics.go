package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vodsearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SiteRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "site_requests_total",
		Help:      "Upstream site requests by site, network path (direct/proxy) and result status.",
	}, []string{"site", "path", "status"})

	SiteRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vodsearch",
		Name:      "site_request_duration_seconds",
		Help:      "Upstream site request duration in seconds by network path.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 5, 8, 10},
	}, []string{"path"})

	ProxyDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "proxy_decisions_total",
		Help:      "Resilient fetch outcomes by decision.",
	}, []string{"decision"})

	ProxyMemoryEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vodsearch",
		Name:      "proxy_memory_entries",
		Help:      "Number of sites currently remembered as requiring the proxy.",
	})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits by category.",
	}, []string{"category"})

	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses by category.",
	}, []string{"category"})

	CacheErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "cache_errors_total",
		Help:      "Cache backend failures by backend and operation.",
	}, []string{"backend", "op"})

	CacheEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vodsearch",
		Name:      "cache_evicted_total",
		Help:      "Entries removed by scheduled cache cleanup.",
	})

	TMDBRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vodsearch",
		Name:      "tmdb_request_duration_seconds",
		Help:      "TMDB request duration in seconds by endpoint kind and status.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 8},
	}, []string{"endpoint", "status"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SiteRequestsTotal,
		SiteRequestDuration,
		ProxyDecisionsTotal,
		ProxyMemoryEntries,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheErrorsTotal,
		CacheEvictedTotal,
		TMDBRequestDuration,
	)
}
