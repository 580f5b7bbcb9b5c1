// Package metrics exposes Prometheus instruments for the embedding lifecycle,
// backfill and search. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Provider metrics
	ProviderCallsTotal    *prometheus.CounterVec
	ProviderCallDuration  prometheus.Histogram
	EmbeddingsTotal       *prometheus.CounterVec
	EmbeddingQueueRejects prometheus.Counter

	// Backfill metrics
	BackfillRunsTotal    prometheus.Counter
	BackfillRecordsTotal *prometheus.CounterVec

	// Search metrics
	SearchDuration   *prometheus.HistogramVec
	SearchDegraded   prometheus.Counter
	QueryCacheHits   prometheus.Counter
	QueryCacheMisses prometheus.Counter
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuka_embedding_provider_calls_total",
				Help: "Embedding provider calls by status",
			},
			[]string{"status"},
		),
		ProviderCallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nuka_embedding_provider_call_duration_seconds",
				Help:    "Duration of embedding provider calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		EmbeddingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuka_embeddings_total",
				Help: "Embedding generations by record kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		EmbeddingQueueRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nuka_embedding_queue_rejects_total",
				Help: "Async embedding jobs that could not be enqueued",
			},
		),
		BackfillRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nuka_backfill_runs_total",
				Help: "Total backfill runs",
			},
		),
		BackfillRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nuka_backfill_records_total",
				Help: "Records visited by backfill, by outcome",
			},
			[]string{"outcome"},
		),
		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nuka_search_duration_seconds",
				Help:    "Search duration in seconds by strategy",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		SearchDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nuka_search_degraded_total",
				Help: "Composite searches that fell back to text only",
			},
		),
		QueryCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nuka_query_embedding_cache_hits_total",
				Help: "Query embedding cache hits",
			},
		),
		QueryCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nuka_query_embedding_cache_misses_total",
				Help: "Query embedding cache misses",
			},
		),
	}

	m.registry.MustRegister(
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.EmbeddingsTotal,
		m.EmbeddingQueueRejects,
		m.BackfillRunsTotal,
		m.BackfillRecordsTotal,
		m.SearchDuration,
		m.SearchDegraded,
		m.QueryCacheHits,
		m.QueryCacheMisses,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ProviderCall records one provider round trip.
func (m *Metrics) ProviderCall(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(status).Inc()
	m.ProviderCallDuration.Observe(d.Seconds())
}

// Embedding records the outcome of one Generate call: "stored", "cleared",
// "unchanged", "stale" or "failed".
func (m *Metrics) Embedding(kind, outcome string) {
	if m == nil {
		return
	}
	m.EmbeddingsTotal.WithLabelValues(kind, outcome).Inc()
}

// QueueReject counts an async job dropped at enqueue time.
func (m *Metrics) QueueReject() {
	if m == nil {
		return
	}
	m.EmbeddingQueueRejects.Inc()
}

// Backfill records one finished backfill run.
func (m *Metrics) Backfill(updated, failed, unchanged int) {
	if m == nil {
		return
	}
	m.BackfillRunsTotal.Inc()
	m.BackfillRecordsTotal.WithLabelValues("updated").Add(float64(updated))
	m.BackfillRecordsTotal.WithLabelValues("failed").Add(float64(failed))
	m.BackfillRecordsTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}

// Search records one search by strategy.
func (m *Metrics) Search(strategy string, d time.Duration, degraded bool) {
	if m == nil {
		return
	}
	m.SearchDuration.WithLabelValues(strategy).Observe(d.Seconds())
	if degraded {
		m.SearchDegraded.Inc()
	}
}

// QueryCache records a query embedding cache lookup.
func (m *Metrics) QueryCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.QueryCacheHits.Inc()
		return
	}
	m.QueryCacheMisses.Inc()
}
