package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"ragserve/internal/cache"
	"ragserve/internal/concurrency"
	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
	"ragserve/internal/identity"
	"ragserve/internal/kb"
	"ragserve/internal/observability"
	"ragserve/pkg/api"

	"go.uber.org/zap"
)

// healthBudget bounds the whole dependency sweep on /health.
const healthBudget = 3 * time.Second

// probeTTL keeps the embedding TCP probe result warm so health polls do not
// hammer the upstream.
const probeTTL = 30 * time.Second

// SystemHandler serves the operational routes: health, verbose status,
// metrics and the log tail.
type SystemHandler struct {
	cfg     *config.Config
	manager *kb.Manager
	coord   *cache.Coordinator
	locks   *concurrency.KeyedLocks
	gate    *identity.Gate
	stats   *observability.ServiceStats
	ring    *observability.LogRing
	metrics *EndpointStats
	logger  *zap.Logger
	started time.Time

	probeMu   sync.Mutex
	probeAt   time.Time
	probeOK   bool
	probeAddr string
}

// NewSystemHandler wires the operational surface.
func NewSystemHandler(
	cfg *config.Config,
	manager *kb.Manager,
	coord *cache.Coordinator,
	locks *concurrency.KeyedLocks,
	gate *identity.Gate,
	stats *observability.ServiceStats,
	ring *observability.LogRing,
	metrics *EndpointStats,
	logger *zap.Logger,
) *SystemHandler {
	return &SystemHandler{
		cfg:     cfg,
		manager: manager,
		coord:   coord,
		locks:   locks,
		gate:    gate,
		stats:   stats,
		ring:    ring,
		metrics: metrics,
		logger:  logger,
		started: time.Now(),
	}
}

// Health reports healthy when the KB manager answers, the embedding
// upstream accepts a TCP connection, and the cache coordinator responds,
// all inside the budget. A degraded report names the first failing
// dependency.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthBudget)
	defer cancel()

	status := "healthy"
	failing := ""

	current := ""
	language := ""
	initialized := h.manager != nil
	if initialized {
		current = h.manager.Current()
		if info, err := h.manager.CurrentInfo(); err == nil {
			language = info.Language
		}
	} else {
		status = "degraded"
		failing = "kb_manager"
	}

	if failing == "" && !h.embeddingReachable(ctx) {
		status = "degraded"
		failing = "embedding"
	}

	if failing == "" && !h.cacheResponsive(ctx) {
		status = "degraded"
		failing = "cache"
	}

	data := map[string]interface{}{
		"status":           status,
		"initialized":      initialized,
		"current_kb":       current,
		"language":         language,
		"cached_instances": h.openCount(),
		"performance":      h.stats.Snapshot(),
	}
	if failing != "" {
		data["failing_dependency"] = failing
	}
	api.Success(w, "Health check completed", data)
}

func (h *SystemHandler) openCount() int {
	if h.manager == nil {
		return 0
	}
	return h.manager.OpenCount()
}

// embeddingReachable answers from the cached probe when fresh, otherwise
// dials the embedding endpoint. A probe failure is cached too so a dead
// upstream does not add a dial timeout to every poll.
func (h *SystemHandler) embeddingReachable(ctx context.Context) bool {
	h.probeMu.Lock()
	defer h.probeMu.Unlock()

	if time.Since(h.probeAt) < probeTTL && h.probeAddr != "" {
		return h.probeOK
	}

	addr := dialAddr(h.cfg.Embedding.APIBase)
	h.probeAt = time.Now()
	h.probeAddr = addr
	if addr == "" {
		h.probeOK = false
		return false
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		h.probeOK = false
		return false
	}
	_ = conn.Close()
	h.probeOK = true
	return true
}

// dialAddr extracts host:port from an API base URL, defaulting the port
// from the scheme.
func dialAddr(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return host
}

func (h *SystemHandler) cacheResponsive(ctx context.Context) bool {
	if h.coord == nil {
		return false
	}
	done := make(chan struct{})
	go func() {
		h.coord.StatsAll(ctx)
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Status is the verbose variant: effective config with secrets masked,
// cache and lock statistics, gate counters and uptime.
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"environment":    string(h.cfg.Environment),
		"config":         h.cfg.Redacted(),
		"config_sources": h.cfg.LoadedFrom,
		"cache":          h.coord.StatsAll(r.Context()),
		"locks":          h.locks.Stats(),
		"rate_gate":      h.gate.Stats(),
		"performance":    h.stats.Snapshot(),
		"uptime_seconds": time.Since(h.started).Seconds(),
	}
	api.Success(w, "System status", data)
}

// Metrics serves the envelope aggregates. The Prometheus exposition lives
// on its own route outside the API prefix.
func (h *SystemHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	api.Success(w, "Metrics collected", map[string]interface{}{
		"requests":    snap,
		"performance": h.stats.Snapshot(),
	})
}

// Logs returns the most recent ring-buffer lines, newest last.
func (h *SystemHandler) Logs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, apperrors.BadInput("lines must be a positive integer, got %q", raw))
			return
		}
		lines = n
	}
	entries := h.ring.Recent(lines)
	api.Success(w, "Log tail", map[string]interface{}{
		"lines": entries,
		"count": len(entries),
	})
}
