package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"ragserve/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateGateQuotaExceeded(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Requests = 2
		cfg.RateLimit.Window = 60
		cfg.RateLimit.Tiers = map[string]int{"default": 2}
	})

	for i := 0; i < 2; i++ {
		rec := srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass the gate", i+1)
	}

	rec := srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "rate-limited", env.ErrorCode)
	assert.Equal(t, "rate limit exceeded, try again later", env.Message)
	assert.Equal(t, "quota", env.Details["reason"])
	assert.Equal(t, float64(2), env.Details["limit"])
	assert.Contains(t, env.Details, "remaining")
	assert.Contains(t, env.Details, "retry_after")

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err, "Retry-After header missing or not an integer")
	assert.GreaterOrEqual(t, retry, 1)
}

func TestRateGateMinInterval(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.MinIntervalPerUser = 30
	})

	rec := srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "rate-limited", env.ErrorCode)
	assert.Equal(t, "requests arriving too fast, slow down", env.Message)
	assert.Equal(t, "interval", env.Details["reason"])
}

func TestRateGateSeparatesClients(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Requests = 1
		cfg.RateLimit.Tiers = map[string]int{"default": 1}
	})

	send := func(clientID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/query/modes", nil)
		req.Header.Set("X-Client-Id", clientID)
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("alpha"))
	require.Equal(t, http.StatusTooManyRequests, send("alpha"))
	require.Equal(t, http.StatusOK, send("beta"), "a fresh client must get its own bucket")

	stats := srv.gate.Stats()
	assert.EqualValues(t, 2, stats.ActiveBuckets)
	assert.EqualValues(t, 2, stats.Accepted)
	assert.EqualValues(t, 1, stats.Rejected)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "internal", env.ErrorCode)
	assert.Equal(t, "internal error handling /boom", env.Message)
}

func TestRecoveryPropagatesAbort(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream", nil))
	})
}

func TestEndpointStatsAggregate(t *testing.T) {
	stats := NewEndpointStats(16)
	stats.observe(http.MethodGet, "/x", http.StatusOK, 4*time.Millisecond)
	stats.observe(http.MethodGet, "/x", http.StatusInternalServerError, 6*time.Millisecond)
	stats.observe(http.MethodGet, "/y", http.StatusNotFound, 2*time.Millisecond)

	snap := stats.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	// 4xx responses are client mistakes, not service errors.
	assert.Equal(t, int64(1), snap.TotalErrors)

	require.Contains(t, snap.Endpoints, "GET /x")
	require.Contains(t, snap.Endpoints, "GET /y")
	assert.Equal(t, int64(2), snap.Endpoints["GET /x"].Count)
	assert.InDelta(t, 0.005, snap.Endpoints["GET /x"].AvgTime, 1e-9)
	assert.Greater(t, snap.P90, 0.0)
	assert.Greater(t, snap.AvgResponseTime, 0.0)
}
