package cache

import (
	"context"
	"sync/atomic"

	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache backs one named cache with a redis keyspace. Every key is
// namespaced by prefix so the five caches can share one database. Backend
// errors degrade to misses; the service keeps answering without redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache wraps client with the given key prefix, typically the cache
// name plus a colon.
func NewRedisCache(client *redis.Client, prefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

// Get reads a value; redis errors and absent keys are both misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Set writes a value with TTL, best-effort.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes a single key.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.Warn("redis del failed", zap.String("key", key), zap.Error(err))
	}
}

// Clear scans the prefix keyspace, sums value sizes and deletes the keys.
func (c *RedisCache) Clear(ctx context.Context) (int, int64) {
	var (
		cursor  uint64
		removed int
		freed   int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 200).Result()
		if err != nil {
			c.logger.Warn("redis scan failed", zap.Error(err))
			break
		}
		if len(keys) > 0 {
			pipe := c.client.Pipeline()
			sizes := make([]*redis.IntCmd, len(keys))
			for i, k := range keys {
				sizes[i] = pipe.StrLen(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err == nil {
				for _, cmd := range sizes {
					freed += cmd.Val()
				}
			}
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("redis del failed during clear", zap.Error(err))
			} else {
				removed += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, freed
}

// Stats counts the live keys under the prefix; hit counters are process
// local.
func (c *RedisCache) Stats(ctx context.Context) Stats {
	var (
		cursor uint64
		items  int
		size   int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 200).Result()
		if err != nil {
			break
		}
		items += len(keys)
		if len(keys) > 0 {
			pipe := c.client.Pipeline()
			sizes := make([]*redis.IntCmd, len(keys))
			for i, k := range keys {
				sizes[i] = pipe.StrLen(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err == nil {
				for _, cmd := range sizes {
					size += cmd.Val()
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Items:     items,
		SizeBytes: size,
		SizeMB:    toMB(size),
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate(hits, misses),
	}
}
