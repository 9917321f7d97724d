package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"ragserve/internal/cache"
	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	"ragserve/internal/identity"
	"ragserve/internal/intent"
	"ragserve/internal/kb"
	"ragserve/internal/llm"
	"ragserve/internal/observability"
	"ragserve/internal/qa"
	"ragserve/internal/query"
	"ragserve/internal/retrieval"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const mockServerAnswer = "Grounded answer from the knowledge base."

// testServer assembles the full router over mock model clients, mirroring
// the production wiring but rooted in a per-test temp directory.
type testServer struct {
	cfg      *config.Config
	handler  http.Handler
	chat     *llm.MockChat
	embedder *llm.MockEmbedder
	gate     *identity.Gate
	ring     *observability.LogRing
	coord    *cache.Coordinator
	manager  *kb.Manager
	ingestor *kb.Ingestor
	store    *qa.Store
	rules    *intent.Manager
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkingDir = filepath.Join(root, "kb")
	cfg.Paths.QAStorageDir = filepath.Join(root, "qa")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.UploadDir = filepath.Join(root, "uploads")
	cfg.Paths.BackupDir = filepath.Join(root, "backups")
	cfg.Embedding.Dim = 8
	cfg.Intent.EnableLLM = false
	if mutate != nil {
		mutate(cfg)
	}

	ring := observability.NewLogRing(cfg.Logging.RingSize)
	logger := zap.New(ring.Core(zapcore.InfoLevel))
	collector := observability.NewCollector("ragserve_test")
	stats := observability.NewServiceStats()
	locks := concurrency.NewKeyedLocks(5*time.Second, zap.NewNop())

	coord := cache.NewCoordinator(cfg.Cache, zap.NewNop())
	t.Cleanup(coord.Shutdown)

	chat := llm.NewMockChat(mockServerAnswer)
	embedder := llm.NewMockEmbedder(cfg.Embedding.Dim)

	manager, err := kb.NewManager(cfg, locks, zap.NewNop())
	require.NoError(t, err)

	ingestor := kb.NewIngestor(manager, embedder, kb.NewHeuristicGraphBuilder(), locks, cfg.Upload, zap.NewNop())
	t.Cleanup(ingestor.Wait)

	store, err := qa.NewStore(cfg, embedder, locks, coord, zap.NewNop())
	require.NoError(t, err)

	rules := intent.NewManager(cfg.Intent, zap.NewNop())
	processor := intent.NewProcessor(cfg.Intent, rules, chat, zap.NewNop())
	engine := retrieval.NewEngine(cfg, embedder, chat, nil, coord, zap.NewNop())
	orch := query.NewOrchestrator(manager, engine, processor, coord, stats, collector, zap.NewNop())

	router := NewRouter(Deps{
		Config:       cfg,
		Logger:       logger,
		Ring:         ring,
		Collector:    collector,
		Stats:        stats,
		Extractor:    identity.NewExtractor(cfg, zap.NewNop()),
		Gate:         identity.NewGate(cfg.RateLimit, zap.NewNop()),
		Locks:        locks,
		Coordinator:  coord,
		Manager:      manager,
		Ingestor:     ingestor,
		QAStore:      store,
		Rules:        rules,
		Processor:    processor,
		Orchestrator: orch,
	})

	return &testServer{
		cfg:      cfg,
		handler:  router.Setup(),
		chat:     chat,
		embedder: embedder,
		gate:     router.gate,
		ring:     ring,
		coord:    coord,
		manager:  manager,
		ingestor: ingestor,
		store:    store,
		rules:    rules,
	}
}

// request serves one request against the router. A string body is sent
// verbatim; anything else is marshalled as JSON.
func (s *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success   bool                   `json:"success"`
	Message   string                 `json:"message"`
	Data      json.RawMessage        `json:"data"`
	ErrorCode string                 `json:"error_code"`
	Details   map[string]interface{} `json:"details"`
	Timestamp string                 `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func dataMap(t *testing.T, env envelope) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, env.Data, "envelope carries no data")
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func TestEnvelopeShapeAndHeaders(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "Available query modes", env.Message)
	assert.Empty(t, env.ErrorCode)

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err, "timestamp is not RFC3339")
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	elapsed, err := strconv.ParseFloat(rec.Header().Get("X-Process-Time"), 64)
	require.NoError(t, err, "X-Process-Time is not a float")
	assert.GreaterOrEqual(t, elapsed, 0.0)
}

func TestMalformedJSONRejected(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodPost, "/api/v1/query", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "bad-input", env.ErrorCode)
	assert.Equal(t, "request body is not valid JSON", env.Message)
}

func TestHealthReportsHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Embedding.APIBase = "http://" + ln.Addr().String() + "/v1"
	})

	rec := srv.request(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Health check completed", env.Message)

	data := dataMap(t, env)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, true, data["initialized"])
	assert.Equal(t, kb.DefaultKBName, data["current_kb"])
	assert.Equal(t, "中文", data["language"])
	assert.NotContains(t, data, "failing_dependency")
	assert.Contains(t, data, "performance")
	assert.Contains(t, data, "cached_instances")
}

func TestHealthReportsDegradedEmbedding(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Embedding.APIBase = "http://" + addr
	})

	rec := srv.request(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, "degraded", data["status"])
	assert.Equal(t, "embedding", data["failing_dependency"])
}

func TestSystemStatusMasksSecrets(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.LLM.APIKey = "sk-test-secret-123"
	})

	rec := srv.request(t, http.MethodGet, "/api/v1/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"****"`)
	assert.NotContains(t, body, "sk-test-secret-123")

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "System status", env.Message)
	data := dataMap(t, env)
	assert.Equal(t, "development", data["environment"])
	assert.Contains(t, data, "uptime_seconds")
	assert.Contains(t, data, "rate_gate")
	assert.Contains(t, data, "cache")
	assert.Contains(t, data, "locks")
}

func TestServiceMetricsCountRequests(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		rec := srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := srv.request(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Metrics collected", env.Message)
	data := dataMap(t, env)

	requests, ok := data["requests"].(map[string]interface{})
	require.True(t, ok, "requests section missing")
	assert.Equal(t, float64(2), requests["total_requests"])
	assert.Equal(t, float64(0), requests["total_errors"])

	endpoints, ok := requests["endpoints"].(map[string]interface{})
	require.True(t, ok)
	modes, ok := endpoints["GET /api/v1/query/modes"].(map[string]interface{})
	require.True(t, ok, "modes route not aggregated: %v", endpoints)
	assert.Equal(t, float64(2), modes["count"])
	assert.Contains(t, data, "performance")
}

func TestPrometheusExposition(t *testing.T) {
	srv := newTestServer(t, nil)

	// Counters materialize on first observation, so drive one request
	// through the middleware before scraping.
	srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)

	rec := srv.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ragserve_test_http_requests_total")
}

func TestLogTailServesRingEntries(t *testing.T) {
	srv := newTestServer(t, nil)

	srv.request(t, http.MethodGet, "/api/v1/query/modes", nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Log tail", env.Message)
	data := dataMap(t, env)

	count, ok := data["count"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, count, float64(1))

	lines, ok := data["lines"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, lines)
	newest, ok := lines[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "request completed", newest["message"])
	assert.Equal(t, "http", newest["logger"])

	rec = srv.request(t, http.MethodGet, "/api/v1/logs?lines=1", nil)
	data = dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, float64(1), data["count"])
}

func TestLogTailRejectsBadLineCount(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/logs?lines=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "bad-input", env.ErrorCode)
	assert.Equal(t, `lines must be a positive integer, got "abc"`, env.Message)
}

func TestCacheStatsAndClear(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "Cache statistics", env.Message)
	data := dataMap(t, env)
	assert.Contains(t, data, "caches")
	assert.Contains(t, data, "process_memory")

	rec = srv.request(t, http.MethodDelete, "/api/v1/cache/clear/llm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "Cache cleared", env.Message)
	data = dataMap(t, env)
	assert.Equal(t, "llm", data["cache_type"])
	assert.Contains(t, data, "cleared_items")

	rec = srv.request(t, http.MethodDelete, "/api/v1/cache/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "All caches cleared", env.Message)
	data = dataMap(t, env)
	assert.Contains(t, data, "cleared_caches")
	assert.Contains(t, data, "items_removed")
}

func TestCacheClearUnknownType(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.request(t, http.MethodDelete, "/api/v1/cache/clear/bogus", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "not-found", env.ErrorCode)
	assert.Equal(t, `unknown cache type "bogus"`, env.Message)
	valid, ok := env.Details["valid_types"].([]interface{})
	require.True(t, ok)
	assert.Len(t, valid, 5)
}
