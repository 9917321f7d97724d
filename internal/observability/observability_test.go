package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserve/internal/config"
)

func TestLogRing_RecentNewestFirst(t *testing.T) {
	ring := NewLogRing(3)
	for _, msg := range []string{"one", "two", "three", "four"} {
		ring.add(LogEntry{Time: time.Now(), Level: "info", Message: msg})
	}

	got := ring.Recent(0)
	require.Len(t, got, 3, "oldest entry falls off the ring")
	assert.Equal(t, "four", got[0].Message)
	assert.Equal(t, "three", got[1].Message)
	assert.Equal(t, "two", got[2].Message)

	limited := ring.Recent(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "four", limited[0].Message)
}

func TestNewLogger_CapturesIntoRing(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.RingSize = 10

	logger, ring, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("hello from test")
	logger.Debug("below the ring threshold")

	entries := ring.Recent(0)
	require.NotEmpty(t, entries)
	assert.Equal(t, "hello from test", entries[0].Message)
	for _, e := range entries {
		assert.NotEqual(t, "below the ring threshold", e.Message)
	}
}

func TestCollector_ServesExposition(t *testing.T) {
	c := NewCollector("ragserve")
	c.HTTPRequests.WithLabelValues("GET", "/health", "200").Inc()
	c.QueriesTotal.WithLabelValues("hybrid", "ok").Inc()
	c.SafetyRejections.Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "ragserve_http_requests_total")
	assert.Contains(t, body, "ragserve_queries_total")
	assert.Contains(t, body, "ragserve_safety_rejections_total 1")
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// two collectors must not collide on registration
	a := NewCollector("ragserve")
	b := NewCollector("ragserve")
	a.SafetyRejections.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "ragserve_safety_rejections_total 0")
}

func TestLatencyWindow_Percentiles(t *testing.T) {
	w := NewLatencyWindow(100)
	for i := 1; i <= 100; i++ {
		w.Observe(time.Duration(i) * time.Millisecond)
	}

	stats := w.Snapshot()
	assert.Equal(t, int64(100), stats.Count)
	assert.Equal(t, 50*time.Millisecond, stats.P50)
	assert.Equal(t, 95*time.Millisecond, stats.P95)
	assert.Equal(t, 99*time.Millisecond, stats.P99)
	assert.InDelta(t, float64(50500*time.Microsecond), float64(stats.Average), float64(time.Millisecond))
}

func TestLatencyWindow_WrapsAround(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe(time.Duration(i) * time.Second)
	}
	stats := w.Snapshot()
	assert.Equal(t, int64(10), stats.Count, "count covers the full lifetime")
	// window holds 6s..9s
	assert.Equal(t, 7*time.Second, stats.P50)
	assert.Equal(t, 9*time.Second, stats.P95)
}

func TestLatencyWindow_Empty(t *testing.T) {
	w := NewLatencyWindow(8)
	stats := w.Snapshot()
	assert.Equal(t, int64(0), stats.Count)
	assert.Equal(t, time.Duration(0), stats.P95)
}
