package identity

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"ragserve/internal/config"
)

// Decision is the admission verdict for one request.
type Decision int

const (
	// Accept lets the request through.
	Accept Decision = iota
	// RejectRate means the fixed-window quota for the tier is spent.
	RejectRate
	// RejectInterval means the request arrived before the per-identity
	// minimum interval elapsed.
	RejectInterval
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectRate:
		return "reject-rate"
	case RejectInterval:
		return "reject-interval"
	default:
		return "unknown"
	}
}

// Verdict carries the decision plus what the 429 body needs.
type Verdict struct {
	Decision   Decision
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// bucket tracks one identity's window. lastAccepted only moves on accepted
// requests, so rejected bursts cannot push the interval forward.
type bucket struct {
	key          string
	windowStart  time.Time
	count        int
	lastAccepted time.Time
}

// Gate is the tiered fixed-window admission gate. The bucket table is
// bounded; the least recently touched identity is evicted at the cap.
type Gate struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	window  time.Duration
	minGap  time.Duration
	buckets map[string]*list.Element
	lru     *list.List
	logger  *zap.Logger
	now     func() time.Time

	accepted int64
	rejected int64
	stopCh   chan struct{}
}

// NewGate builds the gate from the rate-limit config section.
func NewGate(cfg config.RateLimitConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:     cfg,
		window:  time.Duration(cfg.Window) * time.Second,
		minGap:  time.Duration(cfg.MinIntervalPerUser * float64(time.Second)),
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		logger:  logger.Named("gate"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// limitFor resolves the window capacity for a tier.
func (g *Gate) limitFor(tier string) int {
	if n, ok := g.cfg.Tiers[tier]; ok {
		return n
	}
	return g.cfg.Requests
}

// Admit checks both constraints for the identity. The minimum interval is
// checked first so a hammering client sees the more specific reason.
func (g *Gate) Admit(id Identity) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	limit := g.limitFor(id.Tier)
	b := g.touch(id.Key, now)

	if now.Sub(b.windowStart) >= g.window {
		b.windowStart = now
		b.count = 0
	}

	if g.minGap > 0 && !b.lastAccepted.IsZero() {
		if gap := now.Sub(b.lastAccepted); gap < g.minGap {
			g.rejected++
			return Verdict{
				Decision:   RejectInterval,
				Limit:      limit,
				Remaining:  maxInt(0, limit-b.count),
				RetryAfter: g.minGap - gap,
			}
		}
	}

	if b.count >= limit {
		g.rejected++
		return Verdict{
			Decision:   RejectRate,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: b.windowStart.Add(g.window).Sub(now),
		}
	}

	b.count++
	b.lastAccepted = now
	g.accepted++
	return Verdict{Decision: Accept, Limit: limit, Remaining: limit - b.count}
}

// touch finds or creates the bucket and marks it most recently used,
// evicting the coldest bucket at the cap.
func (g *Gate) touch(key string, now time.Time) *bucket {
	if elem, ok := g.buckets[key]; ok {
		g.lru.MoveToFront(elem)
		return elem.Value.(*bucket)
	}

	if g.cfg.MaxBuckets > 0 && g.lru.Len() >= g.cfg.MaxBuckets {
		oldest := g.lru.Back()
		if oldest != nil {
			evicted := g.lru.Remove(oldest).(*bucket)
			delete(g.buckets, evicted.key)
		}
	}

	b := &bucket{key: key, windowStart: now}
	g.buckets[key] = g.lru.PushFront(b)
	return b
}

// GateStats is the snapshot surfaced on the system stats route.
type GateStats struct {
	ActiveBuckets int   `json:"active_buckets"`
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
}

// Stats reports the gate counters.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStats{
		ActiveBuckets: g.lru.Len(),
		Accepted:      g.accepted,
		Rejected:      g.rejected,
	}
}

// StartCleanup begins a background sweep of buckets idle for more than two
// windows.
func (g *Gate) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sweep()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (g *Gate) Stop() {
	close(g.stopCh)
}

func (g *Gate) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-2 * g.window)
	removed := 0
	for elem := g.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		prev := elem.Prev()
		if b.windowStart.Before(cutoff) && b.lastAccepted.Before(cutoff) {
			g.lru.Remove(elem)
			delete(g.buckets, b.key)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		g.logger.Debug("swept idle rate buckets", zap.Int("removed", removed))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
