package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pkgsearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SearchesStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "searches_started_total",
		Help:      "Total search generations started by mode.",
	}, []string{"mode"})

	SearchesFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "searches_finished_total",
		Help:      "Total search generations finished by terminal phase.",
	}, []string{"phase"})

	SearchesSupersededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "searches_superseded_total",
		Help:      "Total search generations superseded by a newer query.",
	})

	ChunksEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "stream_chunks_total",
		Help:      "Total result chunks delivered by streamed searches.",
	})

	EnrichmentInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pkgsearch",
		Name:      "enrichment_in_flight",
		Help:      "Number of per-package detail fetches currently in flight.",
	})

	EnrichmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pkgsearch",
		Name:      "enrichment_duration_seconds",
		Help:      "Per-package detail fetch duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10},
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pkgsearch",
		Name:      "sessions_active",
		Help:      "Number of live search sessions.",
	})

	DetailsCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "details_cache_hits_total",
		Help:      "Total number of package details cache hits.",
	})

	DetailsCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "details_cache_misses_total",
		Help:      "Total number of package details cache misses.",
	})

	RegistryRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkgsearch",
		Name:      "registry_requests_total",
		Help:      "Total requests to the package registry by operation and result status.",
	}, []string{"operation", "status"})

	RegistryRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pkgsearch",
		Name:      "registry_request_duration_seconds",
		Help:      "Package registry request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"operation"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SearchesStartedTotal,
		SearchesFinishedTotal,
		SearchesSupersededTotal,
		ChunksEmittedTotal,
		EnrichmentInFlight,
		EnrichmentDuration,
		SessionsActive,
		DetailsCacheHitsTotal,
		DetailsCacheMissesTotal,
		RegistryRequestsTotal,
		RegistryRequestDuration,
	)
}
