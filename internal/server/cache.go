package server

import (
	"net/http"

	"ragserve/internal/cache"
	"ragserve/pkg/api"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CacheHandler serves the cache coordinator routes.
type CacheHandler struct {
	coord  *cache.Coordinator
	logger *zap.Logger
}

// NewCacheHandler wires the cache surface.
func NewCacheHandler(coord *cache.Coordinator, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{coord: coord, logger: logger}
}

// Stats answers GET /cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	api.Success(w, "Cache statistics", h.coord.StatsAll(r.Context()))
}

// ClearAll answers DELETE /cache/clear, flushing every cache in dependency
// order.
func (h *CacheHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	result := h.coord.ClearAll(r.Context())
	audit(h.logger, r, "cache.clear-all", "allowed",
		zap.Int("items_removed", result.ItemsRemoved))
	api.Success(w, "All caches cleared", result)
}

// ClearType answers DELETE /cache/clear/{type} for one route alias.
func (h *CacheHandler) ClearType(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "type")
	result, err := h.coord.ClearType(r.Context(), name)
	if err != nil {
		audit(h.logger, r, "cache.clear-type", "denied", zap.String("type", name), zap.Error(err))
		writeError(w, err)
		return
	}
	audit(h.logger, r, "cache.clear-type", "allowed",
		zap.String("type", name), zap.Int("items_removed", result.ClearedItems))
	api.Success(w, "Cache cleared", result)
}
