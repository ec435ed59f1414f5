package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the counters the /metrics endpoint serves.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Builds        *prometheus.CounterVec
	BuildFailures prometheus.Counter
	CacheHits     *prometheus.CounterVec
}

// NewMetrics registers the ducksearch collectors on a fresh registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ducksearch_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		Builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ducksearch_builds_total",
			Help: "Artifact builds executed, by cache kind.",
		}, []string{"kind"}),
		BuildFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ducksearch_build_failures_total",
			Help: "Plan executions that ended in a build error.",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ducksearch_cache_hits_total",
			Help: "Cache probes that returned a fresh artifact, by kind.",
		}, []string{"kind"}),
	}, reg
}
