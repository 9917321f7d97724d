// Package cache implements the five-cache coordinator: llm_response, vector,
// knowledge_graph, documents and queries, each behind one Cache interface
// with a memory or redis backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Cache is the uniform surface of one named cache. Get never fails: backend
// errors and expired entries both read as a miss, so consumers treat absence
// as a miss rather than an error. Set is best-effort and may refuse oversize
// values.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)

	// Clear removes every entry and reports how many were removed and the
	// approximate bytes freed.
	Clear(ctx context.Context) (items int, bytes int64)

	Stats(ctx context.Context) Stats
}

// Stats describes one cache for the coordinator view.
type Stats struct {
	Items     int     `json:"item_count"`
	SizeBytes int64   `json:"-"`
	SizeMB    float64 `json:"size_mb"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Key prefixes for the fingerprint namespaces.
const (
	PrefixQuery     = "query:"
	PrefixEmbedding = "embedding:"
	PrefixLLM       = "llm:"
	PrefixGraph     = "kg:"
	PrefixDocument  = "doc:"
)

// Fingerprint derives a stable opaque key from request parameters.
func Fingerprint(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return prefix + hex.EncodeToString(h[:])
}

func hitRate(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}

func toMB(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}
