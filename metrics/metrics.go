// Package metrics exports engine stats snapshots as Prometheus metrics.
// It is a read-only observer: it consumes GetStats() snapshots from the
// cache, scheduler, pool, and batcher and never mutates engine state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/depvet/depvet/cache"
	"github.com/depvet/depvet/concurrency"
	"github.com/depvet/depvet/netpool"
)

// Metrics holds the Prometheus collectors for the scan engine.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits      *prometheus.GaugeVec
	CacheMisses    *prometheus.GaugeVec
	CacheEvictions *prometheus.GaugeVec
	CacheSize      *prometheus.GaugeVec
	CacheHitRate   prometheus.Gauge

	JobsRun    prometheus.Gauge
	JobsStolen prometheus.Gauge
	JobsFailed prometheus.Gauge

	PoolDomains  prometheus.Gauge
	PoolRequests prometheus.Gauge
	PoolErrors   prometheus.Gauge
	PoolTimeouts prometheus.Gauge

	BatchFlushes  prometheus.Gauge
	BatchRequests prometheus.Gauge
	BatchFailures prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CacheHits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depvet_cache_hits",
			Help: "Cache hits per tier",
		},
		[]string{"tier"},
	)
	m.CacheMisses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depvet_cache_misses",
			Help: "Cache misses per tier",
		},
		[]string{"tier"},
	)
	m.CacheEvictions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depvet_cache_evictions",
			Help: "Cache evictions per tier",
		},
		[]string{"tier"},
	)
	m.CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depvet_cache_size",
			Help: "Current entry count per tier",
		},
		[]string{"tier"},
	)
	m.CacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_cache_hit_rate",
		Help: "Overall cache hit rate across all tiers",
	})

	m.JobsRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_scheduler_jobs_run",
		Help: "Jobs executed by the work-stealing scheduler",
	})
	m.JobsStolen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_scheduler_jobs_stolen",
		Help: "Jobs moved between workers by stealing",
	})
	m.JobsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_scheduler_jobs_failed",
		Help: "Jobs whose executor returned an error or panicked",
	})

	m.PoolDomains = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_pool_domains",
		Help: "Destination domains with a live agent",
	})
	m.PoolRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_pool_requests",
		Help: "Requests tracked through the connection pool",
	})
	m.PoolErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_pool_errors",
		Help: "Network errors recorded by the connection pool",
	})
	m.PoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_pool_timeouts",
		Help: "Request timeouts recorded by the connection pool",
	})

	m.BatchFlushes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_batcher_flushes",
		Help: "Batch flush events (size, timer, and explicit)",
	})
	m.BatchRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_batcher_requests",
		Help: "Requests submitted to the batcher",
	})
	m.BatchFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depvet_batcher_failures",
		Help: "Batched requests that failed",
	})

	m.registry.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheSize, m.CacheHitRate,
		m.JobsRun, m.JobsStolen, m.JobsFailed,
		m.PoolDomains, m.PoolRequests, m.PoolErrors, m.PoolTimeouts,
		m.BatchFlushes, m.BatchRequests, m.BatchFailures,
	)

	return m
}

// UpdateCache refreshes cache collectors from a snapshot.
func (m *Metrics) UpdateCache(s cache.Stats) {
	for _, tier := range s.Tiers {
		name := tier.Tier.String()
		m.CacheHits.WithLabelValues(name).Set(float64(tier.Hits))
		m.CacheMisses.WithLabelValues(name).Set(float64(tier.Misses))
		m.CacheEvictions.WithLabelValues(name).Set(float64(tier.Evictions))
		m.CacheSize.WithLabelValues(name).Set(float64(tier.Size))
	}
	m.CacheHitRate.Set(s.OverallHitRate)
}

// UpdateScheduler refreshes scheduler collectors from a snapshot.
func (m *Metrics) UpdateScheduler(s concurrency.SchedulerStats) {
	m.JobsRun.Set(float64(s.JobsRun))
	m.JobsStolen.Set(float64(s.JobsStolen))
	m.JobsFailed.Set(float64(s.JobsFailed))
}

// UpdatePool refreshes connection-pool collectors from a snapshot.
func (m *Metrics) UpdatePool(s netpool.PoolStats) {
	m.PoolDomains.Set(float64(s.Domains))
	m.PoolRequests.Set(float64(s.TotalRequests))
	m.PoolErrors.Set(float64(s.Errors))
	m.PoolTimeouts.Set(float64(s.Timeouts))
}

// UpdateBatcher refreshes batcher collectors from a snapshot.
func (m *Metrics) UpdateBatcher(s netpool.BatcherStats) {
	m.BatchFlushes.Set(float64(s.Flushes))
	m.BatchRequests.Set(float64(s.Requests))
	m.BatchFailures.Set(float64(s.Failures))
}

// Handler serves the private registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
