// Package metrics defines the Prometheus collectors used by the cache layer
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the cache layer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	CacheLookupsTotal       *prometheus.CounterVec
	ChunkWritesTotal        prometheus.Counter
	InversionDuration       *prometheus.HistogramVec
	InversionRecords        *prometheus.HistogramVec
	InvalidatedQueriesTotal *prometheus.CounterVec
	InvalidationEventsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_lookups_total",
				Help: "Cached query lookups by result (hit, miss).",
			},
			[]string{"result"},
		),
		ChunkWritesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "querycache_chunk_writes_total",
				Help: "Hit list chunks written to the key-value store.",
			},
		),
		InversionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querycache_inversion_duration_seconds",
				Help:    "Time to build the docid to query inversion, by strategy.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"strategy"},
		),
		InversionRecords: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querycache_inversion_records",
				Help:    "Number of (docid, queryid, rank) records per inversion.",
				Buckets: prometheus.ExponentialBuckets(10, 10, 8),
			},
			[]string{"strategy"},
		),
		InvalidatedQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_invalidated_queries_total",
				Help: "Cached queries touched by invalidation, by operation (update, delete).",
			},
			[]string{"op"},
		),
		InvalidationEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_invalidation_events_total",
				Help: "Invalidation events processed, by status (ok, error, malformed).",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.CacheLookupsTotal,
		m.ChunkWritesTotal,
		m.InversionDuration,
		m.InversionRecords,
		m.InvalidatedQueriesTotal,
		m.InvalidationEventsTotal,
	)
	return m
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookupsTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) ChunkWritten(n int) {
	if m == nil {
		return
	}
	m.ChunkWritesTotal.Add(float64(n))
}

// Inversion records one completed inversion build.
func (m *Metrics) Inversion(strategy string, records int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InversionDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	m.InversionRecords.WithLabelValues(strategy).Observe(float64(records))
}

func (m *Metrics) QueriesInvalidated(op string, n int) {
	if m == nil {
		return
	}
	m.InvalidatedQueriesTotal.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) InvalidationEvent(status string) {
	if m == nil {
		return
	}
	m.InvalidationEventsTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus scrape HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
