// Package metrics exposes Prometheus instrumentation for the settings
// service: request throughput and latency, broadcast fan-out, client cache
// effectiveness, coordinator lifecycle churn and backend quota pressure.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors on a private registry so tests can run
// side by side without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BroadcastsTotal *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	ReinitTotal     *prometheus.CounterVec
	QuotaBytesUsed  prometheus.Gauge
	QuotaBytesLimit prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confsync_requests_total",
			Help: "Total settings requests processed, by message type and status.",
		}, []string{"type", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confsync_request_duration_seconds",
			Help:    "Settings request handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confsync_broadcasts_total",
			Help: "Total change broadcasts sent, by broadcast type.",
		}, []string{"type"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confsync_cache_hits_total",
			Help: "Client cache lookups answered from a fresh local entry.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confsync_cache_misses_total",
			Help: "Client cache lookups that required a live round-trip.",
		}),

		ReinitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confsync_coordinator_reinit_total",
			Help: "Coordinator reinitializations, by trigger reason.",
		}, []string{"reason"}),

		QuotaBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confsync_quota_bytes_used",
			Help: "Bytes of settings data stored in the durable backend.",
		}),

		QuotaBytesLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confsync_quota_bytes_limit",
			Help: "Configured backend storage quota in bytes (0 means unlimited).",
		}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BroadcastsTotal,
		m.CacheHits,
		m.CacheMisses,
		m.ReinitTotal,
		m.QuotaBytesUsed,
		m.QuotaBytesLimit,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// CacheHit counts a client cache lookup served locally.
func (m *Metrics) CacheHit() { m.CacheHits.Inc() }

// CacheMiss counts a client cache lookup that went to the live path.
func (m *Metrics) CacheMiss() { m.CacheMisses.Inc() }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
