package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"ragserve/internal/identity"
	"ragserve/internal/observability"
	"ragserve/pkg/api"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// slowRequestThreshold promotes the completion log line to WARN.
const slowRequestThreshold = 10 * time.Second

// responseWriter captures status and byte count and injects the
// X-Process-Time header just before the first byte leaves. Flush is
// forwarded so SSE responses keep streaming through the wrapper.
type responseWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	elapsed := time.Since(w.start).Seconds()
	w.Header().Set("X-Process-Time", strconv.FormatFloat(elapsed, 'f', 6, 64))
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Identity resolves the caller identity once per request and stores it in
// the context. The gate and the audit trail both read it from there; no
// other layer re-derives it.
func Identity(extractor *identity.Extractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := extractor.FromRequest(r)
			next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), id)))
		})
	}
}

// RateGate admits or rejects the request against the caller's token bucket.
// Admission consumes here and only here; downstream layers read the
// identity without touching the bucket again.
func RateGate(gate *identity.Gate, metrics *observability.Collector, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.FromContext(r.Context())
			verdict := gate.Admit(id)
			if verdict.Decision == identity.Accept {
				next.ServeHTTP(w, r)
				return
			}

			reason := "quota"
			message := "rate limit exceeded, try again later"
			if verdict.Decision == identity.RejectInterval {
				reason = "interval"
				message = "requests arriving too fast, slow down"
			}
			if metrics != nil {
				metrics.RateRejections.WithLabelValues(reason).Inc()
			}
			logger.Warn("request rejected by rate gate",
				zap.String("identity", id.Key),
				zap.String("tier", id.Tier),
				zap.String("reason", reason),
				zap.String("path", r.URL.Path))

			retryAfter := int(verdict.RetryAfter.Seconds() + 0.5)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			api.Error(w, http.StatusTooManyRequests, "rate-limited", message, map[string]interface{}{
				"limit":       verdict.Limit,
				"remaining":   verdict.Remaining,
				"retry_after": retryAfter,
				"reason":      reason,
			})
		})
	}
}

// RequestLogger writes the start and completion lines, stamps X-Request-ID
// on the response, and escalates slow requests to WARN.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := chimiddleware.GetReqID(r.Context())
			w.Header().Set("X-Request-ID", reqID)

			id := identity.FromContext(r.Context())
			logger.Debug("request started",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.String("identity", id.Key))

			ww := &responseWriter{ResponseWriter: w, start: time.Now()}
			next.ServeHTTP(ww, r)

			elapsed := time.Since(ww.start)
			fields := []zap.Field{
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int("bytes", ww.bytes),
				zap.Duration("duration", elapsed),
				zap.String("identity", id.Key),
			}
			if elapsed > slowRequestThreshold {
				logger.Warn("slow request", fields...)
				return
			}
			logger.Info("request completed", fields...)
		})
	}
}

// endpointEntry accumulates per-route figures for the /metrics envelope.
type endpointEntry struct {
	Count int64
	Total time.Duration
}

// EndpointStats aggregates request counts and latency per route template,
// feeding the envelope view of /metrics. Prometheus gets the same signal
// through the Collector; this table answers the API without a scrape.
type EndpointStats struct {
	mu        sync.Mutex
	endpoints map[string]*endpointEntry
	total     int64
	errors    int64
	window    *observability.LatencyWindow
}

// NewEndpointStats sizes the latency window for percentile reporting.
func NewEndpointStats(windowSize int) *EndpointStats {
	return &EndpointStats{
		endpoints: make(map[string]*endpointEntry),
		window:    observability.NewLatencyWindow(windowSize),
	}
}

func (s *EndpointStats) observe(method, route string, status int, elapsed time.Duration) {
	s.mu.Lock()
	key := method + " " + route
	e := s.endpoints[key]
	if e == nil {
		e = &endpointEntry{}
		s.endpoints[key] = e
	}
	e.Count++
	e.Total += elapsed
	s.total++
	if status >= http.StatusInternalServerError {
		s.errors++
	}
	s.mu.Unlock()
	s.window.Observe(elapsed)
}

// EndpointSnapshot is the per-route slice of the envelope metrics.
type EndpointSnapshot struct {
	Count   int64   `json:"count"`
	AvgTime float64 `json:"avg_time"`
}

// MetricsSnapshot is the envelope body served by GET /metrics.
type MetricsSnapshot struct {
	TotalRequests   int64                       `json:"total_requests"`
	TotalErrors     int64                       `json:"total_errors"`
	AvgResponseTime float64                     `json:"avg_response_time"`
	P50             float64                     `json:"p50"`
	P90             float64                     `json:"p90"`
	P95             float64                     `json:"p95"`
	P99             float64                     `json:"p99"`
	Endpoints       map[string]EndpointSnapshot `json:"endpoints"`
}

// Snapshot renders the aggregate view.
func (s *EndpointStats) Snapshot() MetricsSnapshot {
	s.mu.Lock()
	out := MetricsSnapshot{
		TotalRequests: s.total,
		TotalErrors:   s.errors,
		Endpoints:     make(map[string]EndpointSnapshot, len(s.endpoints)),
	}
	for key, e := range s.endpoints {
		snap := EndpointSnapshot{Count: e.Count}
		if e.Count > 0 {
			snap.AvgTime = e.Total.Seconds() / float64(e.Count)
		}
		out.Endpoints[key] = snap
	}
	s.mu.Unlock()

	win := s.window.Snapshot()
	out.AvgResponseTime = win.Average.Seconds()
	out.P50 = win.P50.Seconds()
	out.P90 = win.P90.Seconds()
	out.P95 = win.P95.Seconds()
	out.P99 = win.P99.Seconds()
	return out
}

// Metrics feeds both the Prometheus registry and the envelope aggregates.
// The route template (not the raw path) is the label, keeping cardinality
// bounded under parameterized routes.
func Metrics(collector *observability.Collector, stats *EndpointStats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, start: start}
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			route := routePattern(r)
			status := strconv.Itoa(ww.status)
			if collector != nil {
				collector.HTTPRequests.WithLabelValues(r.Method, route, status).Inc()
				collector.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}
			if stats != nil {
				stats.observe(r.Method, route, ww.status, elapsed)
			}
		})
	}
}

// routePattern reads the matched chi template after routing ran, so that
// /qa/pairs/{id} stays one label regardless of the concrete id.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Recovery converts handler panics into internal-error envelopes. The
// process must survive any single request.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				logger.Error("handler panic",
					zap.String("request_id", chimiddleware.GetReqID(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				api.Error(w, http.StatusInternalServerError, "internal",
					fmt.Sprintf("internal error handling %s", r.URL.Path), nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
