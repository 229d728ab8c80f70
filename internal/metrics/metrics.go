// Package metrics exposes the Prometheus counters and histograms the
// ingestion pipeline emits, following the promauto construction
// pattern used throughout this codebase's other instrumented
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the standard Prometheus scrape endpoint handler,
// serving every collector registered via promauto against the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics bundles every Prometheus collector the pipeline registers.
type Metrics struct {
	PollCycleDuration  *prometheus.HistogramVec
	UpstreamFetchTotal *prometheus.CounterVec
	ClassifyBatchTotal *prometheus.CounterVec
	CacheHitTotal      *prometheus.CounterVec
	CacheMissTotal     *prometheus.CounterVec
	EvictionTotal      *prometheus.CounterVec
	OpenRequestsGauge  *prometheus.GaugeVec
}

// New registers and returns the pipeline's metrics collectors against
// the default Prometheus registry.
func New() *Metrics {
	return &Metrics{
		PollCycleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_poll_cycle_duration_seconds",
			Help:    "Duration of one full poll cycle for a city.",
			Buckets: prometheus.DefBuckets,
		}, []string{"city"}),
		UpstreamFetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_upstream_fetch_total",
			Help: "Upstream page fetches, labeled by outcome.",
		}, []string{"city", "outcome"}),
		ClassifyBatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_classify_batch_total",
			Help: "Classifier batch calls, labeled by outcome.",
		}, []string{"city", "outcome"}),
		CacheHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_cache_hit_total",
			Help: "Requests skipped because they were already cached.",
		}, []string{"city"}),
		CacheMissTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_cache_miss_total",
			Help: "Requests newly classified and cached.",
		}, []string{"city"}),
		EvictionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_eviction_total",
			Help: "Requests evicted because the upstream stopped reporting them open.",
		}, []string{"city"}),
		OpenRequestsGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triage_open_requests",
			Help: "Current open request count per city.",
		}, []string{"city"}),
	}
}

// RecordCycle records the duration of a completed poll cycle.
func (m *Metrics) RecordCycle(city string, seconds float64) {
	m.PollCycleDuration.WithLabelValues(city).Observe(seconds)
}

// RecordUpstreamFetch increments the upstream fetch counter for city
// with the given outcome ("ok", "error", "empty").
func (m *Metrics) RecordUpstreamFetch(city, outcome string) {
	m.UpstreamFetchTotal.WithLabelValues(city, outcome).Inc()
}

// RecordClassifyBatch increments the classify-batch counter for city
// with the given outcome ("ok", "error").
func (m *Metrics) RecordClassifyBatch(city, outcome string) {
	m.ClassifyBatchTotal.WithLabelValues(city, outcome).Inc()
}

// RecordCacheHit increments the dedup-hit counter for city.
func (m *Metrics) RecordCacheHit(city string) {
	m.CacheHitTotal.WithLabelValues(city).Inc()
}

// RecordCacheMiss increments the newly-cached counter for city.
func (m *Metrics) RecordCacheMiss(city string) {
	m.CacheMissTotal.WithLabelValues(city).Inc()
}

// RecordEviction increments the eviction counter for city.
func (m *Metrics) RecordEviction(city string) {
	m.EvictionTotal.WithLabelValues(city).Inc()
}

// SetOpenRequests sets the current open-request gauge for city.
func (m *Metrics) SetOpenRequests(city string, n float64) {
	m.OpenRequestsGauge.WithLabelValues(city).Set(n)
}
