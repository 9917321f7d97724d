package observability

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// PROMETHEUS COLLECTOR
// ============================================================================

// Collector bundles the Prometheus instruments on a private registry so
// tests can build as many as they like without duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	ActiveStreams prometheus.Gauge

	QAMatches        *prometheus.CounterVec
	SafetyRejections prometheus.Counter
	RateRejections   *prometheus.CounterVec

	UpstreamCalls    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	DocumentsInserted prometheus.Counter
	CacheOps          *prometheus.CounterVec
}

// NewCollector builds all instruments under the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries by retrieval mode and outcome",
		}, []string{"mode", "outcome"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "SSE streams currently open",
		}),
		QAMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_matches_total",
			Help:      "Fixed-QA lookups by result",
		}, []string{"result"}),
		SafetyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_rejections_total",
			Help:      "Queries refused by the intent engine",
		}),
		RateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_rejections_total",
			Help:      "Requests refused by the admission gate",
		}, []string{"reason"}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Calls to LLM, embedding and rerank services",
		}, []string{"service", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Upstream call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"service"}),
		DocumentsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_inserted_total",
			Help:      "Documents accepted for ingestion",
		}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ops_total",
			Help:      "Cache operations by cache name and result",
		}, []string{"cache", "result"}),
	}

	registry.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.QueriesTotal, c.QueryDuration, c.ActiveStreams,
		c.QAMatches, c.SafetyRejections, c.RateRejections,
		c.UpstreamCalls, c.UpstreamDuration,
		c.DocumentsInserted, c.CacheOps,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ============================================================================
// LATENCY WINDOW
// ============================================================================

// LatencyWindow keeps the last N request durations for the percentile
// figures on the stats route. Prometheus histograms cover dashboards; this
// window answers the API without a scrape.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	count   int64
	sum     time.Duration
}

// NewLatencyWindow builds a window over the last size observations.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Observe records one duration.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	w.count++
	w.sum += d
}

// WindowStats is the aggregate view of the recent window.
type WindowStats struct {
	Count   int64         `json:"count"`
	Average time.Duration `json:"-"`
	P50     time.Duration `json:"-"`
	P90     time.Duration `json:"-"`
	P95     time.Duration `json:"-"`
	P99     time.Duration `json:"-"`
}

// Snapshot computes average and percentiles over the retained samples.
// Count and Average cover the whole process lifetime; percentiles cover
// the window.
func (w *LatencyWindow) Snapshot() WindowStats {
	w.mu.Lock()
	size := w.next
	if w.full {
		size = len(w.samples)
	}
	window := make([]time.Duration, size)
	copy(window, w.samples[:size])
	count, sum := w.count, w.sum
	w.mu.Unlock()

	stats := WindowStats{Count: count}
	if count > 0 {
		stats.Average = sum / time.Duration(count)
	}
	if size == 0 {
		return stats
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	stats.P50 = percentile(window, 0.50)
	stats.P90 = percentile(window, 0.90)
	stats.P95 = percentile(window, 0.95)
	stats.P99 = percentile(window, 0.99)
	return stats
}

// percentile reads the nearest-rank percentile from sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
