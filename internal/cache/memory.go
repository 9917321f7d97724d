package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is an in-process cache with LRU eviction bounded by both entry
// count and bytes, plus per-item TTL. Expired entries are pruned lazily on
// access and by an optional background sweep.
type MemoryCache struct {
	mu          sync.Mutex
	items       map[string]*memoryItem
	lruList     *list.List
	maxItems    int
	maxMemory   int64
	currentSize int64

	hits      int64
	misses    int64
	evictions int64

	stopCh chan struct{}
	logger *zap.Logger
}

type memoryItem struct {
	key        string
	value      []byte
	size       int64
	expiry     time.Time
	lruElement *list.Element
}

// NewMemoryCache creates a cache bounded to maxItems entries and maxMemory
// bytes.
func NewMemoryCache(maxItems int, maxMemory int64, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		items:     make(map[string]*memoryItem),
		lruList:   list.New(),
		maxItems:  maxItems,
		maxMemory: maxMemory,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}
}

// Get retrieves a value, removing it first when its TTL has lapsed.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false
	}
	if time.Now().After(item.expiry) {
		c.removeItem(item)
		c.misses++
		return nil, false
	}

	c.lruList.MoveToFront(item.lruElement)
	c.hits++

	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, true
}

// Set stores a value. Values larger than the whole memory budget are skipped.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	itemSize := int64(len(key) + len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if itemSize > c.maxMemory {
		c.logger.Warn("value too large for cache",
			zap.String("key", key),
			zap.Int64("size", itemSize),
			zap.Int64("max_memory", c.maxMemory),
		)
		return
	}

	if existing, exists := c.items[key]; exists {
		c.removeItem(existing)
	}

	for (c.currentSize+itemSize > c.maxMemory || len(c.items) >= c.maxItems) && c.lruList.Len() > 0 {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeItem(oldest.Value.(*memoryItem))
		c.evictions++
	}

	item := &memoryItem{
		key:    key,
		value:  make([]byte, len(value)),
		size:   itemSize,
		expiry: time.Now().Add(ttl),
	}
	copy(item.value, value)
	item.lruElement = c.lruList.PushFront(item)

	c.items[key] = item
	c.currentSize += itemSize
}

// Delete removes a single key.
func (c *MemoryCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// Clear removes everything and reports what was freed.
func (c *MemoryCache) Clear(ctx context.Context) (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := len(c.items)
	freed := c.currentSize

	c.items = make(map[string]*memoryItem)
	c.lruList.Init()
	c.currentSize = 0

	return items, freed
}

// removeItem must be called with the lock held.
func (c *MemoryCache) removeItem(item *memoryItem) {
	if item.lruElement != nil {
		c.lruList.Remove(item.lruElement)
	}
	delete(c.items, item.key)
	c.currentSize -= item.size
}

// Stats returns a counter snapshot.
func (c *MemoryCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Items:     len(c.items),
		SizeBytes: c.currentSize,
		SizeMB:    toMB(c.currentSize),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   hitRate(c.hits, c.misses),
	}
}

// StartCleanup begins a background sweep of expired entries.
func (c *MemoryCache) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.cleanupExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (c *MemoryCache) Stop() {
	close(c.stopCh)
}

func (c *MemoryCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	toRemove := make([]*memoryItem, 0)
	for _, item := range c.items {
		if now.After(item.expiry) {
			toRemove = append(toRemove, item)
		}
	}
	for _, item := range toRemove {
		c.removeItem(item)
	}
	if len(toRemove) > 0 {
		c.logger.Debug("removed expired cache entries", zap.Int("count", len(toRemove)))
	}
}
