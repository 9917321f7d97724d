package cache

import (
	"context"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ragserve/internal/config"
	apperrors "ragserve/internal/errors"
)

// The five coordinated caches.
const (
	LLMResponse    = "llm_response"
	Vector         = "vector"
	KnowledgeGraph = "knowledge_graph"
	Documents      = "documents"
	Queries        = "queries"
)

// ClearOrder is the sequence clear_all walks: cheap derived data first, the
// expensive vector cache last.
var ClearOrder = []string{Queries, Documents, LLMResponse, KnowledgeGraph, Vector}

// routeNames maps the wire-visible clear/{type} names onto cache names.
var routeNames = map[string]string{
	"llm":             LLMResponse,
	"llm_response":    LLMResponse,
	"vector":          Vector,
	"knowledge_graph": KnowledgeGraph,
	"documents":       Documents,
	"queries":         Queries,
}

// Coordinator owns the five named caches and the uniform operations over
// them. With caching disabled every get is a miss and every set a no-op.
type Coordinator struct {
	caches     map[string]Cache
	memory     []*MemoryCache
	redisCli   *redis.Client
	defaultTTL time.Duration
	enabled    bool
	logger     *zap.Logger
}

// NewCoordinator builds the caches from configuration. A redis backend that
// cannot be reached degrades to cache misses rather than failing startup.
func NewCoordinator(cfg config.CacheConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		caches:     make(map[string]Cache, len(ClearOrder)),
		defaultTTL: time.Duration(cfg.TTL) * time.Second,
		enabled:    cfg.Enabled,
		logger:     logger.With(zap.String("component", "cache")),
	}

	switch cfg.Backend {
	case "redis":
		c.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.redisCli.Ping(pingCtx).Err(); err != nil {
			c.logger.Warn("redis unreachable, caches will miss until it returns",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		for _, name := range ClearOrder {
			c.caches[name] = NewRedisCache(c.redisCli, name+":", c.logger)
		}
	default:
		for _, name := range ClearOrder {
			budgetMB := cfg.SizeMB
			if override, ok := cfg.SizeLimits[name]; ok {
				budgetMB = override
			}
			mem := NewMemoryCache(cfg.MaxItems, int64(budgetMB)*1024*1024, c.logger)
			c.caches[name] = mem
			c.memory = append(c.memory, mem)
		}
	}
	return c
}

// Enabled reports whether caching is active.
func (c *Coordinator) Enabled() bool { return c.enabled }

// DefaultTTL returns the configured entry lifetime.
func (c *Coordinator) DefaultTTL() time.Duration { return c.defaultTTL }

// Get reads from the named cache.
func (c *Coordinator) Get(ctx context.Context, name, key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	cache, ok := c.caches[name]
	if !ok {
		return nil, false
	}
	return cache.Get(ctx, key)
}

// Set writes to the named cache with the default TTL.
func (c *Coordinator) Set(ctx context.Context, name, key string, value []byte) {
	c.SetTTL(ctx, name, key, value, c.defaultTTL)
}

// SetTTL writes to the named cache with an explicit TTL.
func (c *Coordinator) SetTTL(ctx context.Context, name, key string, value []byte, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if cache, ok := c.caches[name]; ok {
		cache.Set(ctx, key, value, ttl)
	}
}

// Delete removes one key from the named cache.
func (c *Coordinator) Delete(ctx context.Context, name, key string) {
	if cache, ok := c.caches[name]; ok {
		cache.Delete(ctx, key)
	}
}

// ClearAllResult reports the outcome of clearing every cache.
type ClearAllResult struct {
	ClearedCaches  []string `json:"cleared_caches"`
	ItemsRemoved   int      `json:"items_removed"`
	FreedMemoryMB  float64  `json:"freed_memory_mb"`
	MemoryBeforeMB float64  `json:"memory_before_mb"`
	MemoryAfterMB  float64  `json:"memory_after_mb"`
}

// ClearAll clears the caches in ClearOrder, then hints the runtime to
// compact memory.
func (c *Coordinator) ClearAll(ctx context.Context) ClearAllResult {
	result := ClearAllResult{MemoryBeforeMB: heapMB()}
	for _, name := range ClearOrder {
		items, bytes := c.caches[name].Clear(ctx)
		result.ClearedCaches = append(result.ClearedCaches, name)
		result.ItemsRemoved += items
		result.FreedMemoryMB += toMB(bytes)
	}
	runtime.GC()
	result.MemoryAfterMB = heapMB()

	c.logger.Info("cleared all caches",
		zap.Int("items", result.ItemsRemoved),
		zap.Float64("freed_mb", result.FreedMemoryMB),
	)
	return result
}

// ClearTypeResult reports the outcome of clearing one cache.
type ClearTypeResult struct {
	CacheType     string  `json:"cache_type"`
	ClearedItems  int     `json:"cleared_items"`
	FreedMemoryMB float64 `json:"freed_memory_mb"`
}

// ClearType clears one cache addressed by its wire name, rejecting unknown
// names.
func (c *Coordinator) ClearType(ctx context.Context, routeName string) (ClearTypeResult, error) {
	canonical, ok := routeNames[routeName]
	if !ok {
		return ClearTypeResult{}, apperrors.NotFound("unknown cache type %q", routeName).
			WithDetail("valid_types", []string{"llm", "vector", "knowledge_graph", "documents", "queries"})
	}
	items, bytes := c.caches[canonical].Clear(ctx)
	c.logger.Info("cleared cache", zap.String("cache", canonical), zap.Int("items", items))
	return ClearTypeResult{
		CacheType:     canonical,
		ClearedItems:  items,
		FreedMemoryMB: toMB(bytes),
	}, nil
}

// ProcessMemory is the runtime memory snapshot in the stats view.
type ProcessMemory struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	NumGC       uint32  `json:"num_gc"`
	Goroutines  int     `json:"goroutines"`
}

// StatsAllResult is the coordinator view returned by /cache/stats.
type StatsAllResult struct {
	TotalMemoryMB float64          `json:"total_memory_mb"`
	Caches        map[string]Stats `json:"caches"`
	Process       ProcessMemory    `json:"process_memory"`
}

// StatsAll gathers per-cache stats plus a process memory snapshot.
func (c *Coordinator) StatsAll(ctx context.Context) StatsAllResult {
	result := StatsAllResult{Caches: make(map[string]Stats, len(c.caches))}
	for _, name := range ClearOrder {
		stats := c.caches[name].Stats(ctx)
		result.Caches[name] = stats
		result.TotalMemoryMB += stats.SizeMB
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	result.Process = ProcessMemory{
		HeapAllocMB: toMB(int64(m.HeapAlloc)),
		SysMB:       toMB(int64(m.Sys)),
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
	}
	return result
}

// StartCleanup begins expiry sweeps on memory backends.
func (c *Coordinator) StartCleanup(interval time.Duration) {
	for _, mem := range c.memory {
		mem.StartCleanup(interval)
	}
}

// Shutdown stops sweeps and closes the redis client when present.
func (c *Coordinator) Shutdown() {
	for _, mem := range c.memory {
		mem.Stop()
	}
	if c.redisCli != nil {
		_ = c.redisCli.Close()
	}
}

func heapMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return toMB(int64(m.HeapAlloc))
}
