package identity

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragserve/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Proxy.EnableProxyHeaders = true
	cfg.Proxy.TrustedProxyIPs = []string{"10.0.0.0/8", "127.0.0.1"}
	return cfg
}

func TestExtractor_Precedence(t *testing.T) {
	e := NewExtractor(testConfig(), zap.NewNop())

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5000"
	r.Header.Set("X-User-Id", "alice")
	r.Header.Set("X-Client-Id", "web-1")
	r.Header.Set("Authorization", "Bearer whatever")

	id := e.FromRequest(r)
	assert.Equal(t, "user:alice", id.Key)
	assert.Equal(t, SourceUserHeader, id.Source)

	r.Header.Del("X-User-Id")
	id = e.FromRequest(r)
	assert.Equal(t, "client:web-1", id.Key)
	assert.Equal(t, SourceClientHeader, id.Source)

	r.Header.Del("X-Client-Id")
	id = e.FromRequest(r)
	assert.Equal(t, SourceToken, id.Source)
	assert.NotContains(t, id.Key, "whatever", "raw token must never appear in the key")

	r.Header.Del("Authorization")
	id = e.FromRequest(r)
	assert.Equal(t, "ip:10.1.2.3", id.Key)
	assert.Equal(t, SourceIP, id.Source)
}

func TestExtractor_UntrustedPeerCannotSpoof(t *testing.T) {
	e := NewExtractor(testConfig(), zap.NewNop())

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4000"
	r.Header.Set("X-User-Id", "admin")
	r.Header.Set("X-Forwarded-For", "10.0.0.1")

	id := e.FromRequest(r)
	assert.Equal(t, "ip:203.0.113.9", id.Key, "user header and XFF from untrusted peer are ignored")
	assert.Equal(t, "203.0.113.9", id.SourceIP)
}

func TestExtractor_ForwardedForBehindTrustedProxy(t *testing.T) {
	e := NewExtractor(testConfig(), zap.NewNop())

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:9999"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	id := e.FromRequest(r)
	assert.Equal(t, "ip:198.51.100.7", id.Key, "first XFF hop wins behind a trusted proxy")
}

func TestExtractor_JWTSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "bob"}).
		SignedString([]byte("test-key"))
	require.NoError(t, err)

	e := NewExtractor(testConfig(), zap.NewNop())
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4000"
	r.Header.Set("Authorization", "Bearer "+token)

	id := e.FromRequest(r)
	assert.Equal(t, "user:bob", id.Key)
	assert.Equal(t, SourceJWT, id.Source)
}

func TestExtractor_Tier(t *testing.T) {
	e := NewExtractor(testConfig(), zap.NewNop())

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4000"
	assert.Equal(t, "default", e.FromRequest(r).Tier)

	r.Header.Set("X-User-Tier", "pro")
	assert.Equal(t, "pro", e.FromRequest(r).Tier)

	r.Header.Set("X-User-Tier", "made-up")
	assert.Equal(t, "default", e.FromRequest(r).Tier, "unknown tiers fall back to default")
}

func newTestGate(t *testing.T, cfg config.RateLimitConfig) (*Gate, *time.Time) {
	t.Helper()
	g := NewGate(cfg, zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGate_FixedWindow(t *testing.T) {
	g, now := newTestGate(t, config.RateLimitConfig{Requests: 2, Window: 60, MaxBuckets: 100})
	id := Identity{Key: "ip:1.2.3.4", Tier: "default"}

	assert.Equal(t, Accept, g.Admit(id).Decision)
	v := g.Admit(id)
	assert.Equal(t, Accept, v.Decision)
	assert.Equal(t, 0, v.Remaining)

	v = g.Admit(id)
	assert.Equal(t, RejectRate, v.Decision)
	assert.Equal(t, 60*time.Second, v.RetryAfter)

	*now = now.Add(61 * time.Second)
	assert.Equal(t, Accept, g.Admit(id).Decision, "new window resets the counter")
}

func TestGate_TierCapacity(t *testing.T) {
	g, _ := newTestGate(t, config.RateLimitConfig{
		Requests:   1,
		Window:     60,
		Tiers:      map[string]int{"pro": 3},
		MaxBuckets: 100,
	})

	pro := Identity{Key: "user:p", Tier: "pro"}
	for i := 0; i < 3; i++ {
		assert.Equal(t, Accept, g.Admit(pro).Decision)
	}
	assert.Equal(t, RejectRate, g.Admit(pro).Decision)

	free := Identity{Key: "user:f", Tier: "unknown-tier"}
	assert.Equal(t, Accept, g.Admit(free).Decision)
	assert.Equal(t, RejectRate, g.Admit(free).Decision, "unknown tier uses the base capacity")
}

func TestGate_MinimumInterval(t *testing.T) {
	g, now := newTestGate(t, config.RateLimitConfig{
		Requests:           100,
		Window:             60,
		MinIntervalPerUser: 1.0,
		MaxBuckets:         100,
	})
	id := Identity{Key: "user:x", Tier: "default"}

	assert.Equal(t, Accept, g.Admit(id).Decision)

	*now = now.Add(300 * time.Millisecond)
	v := g.Admit(id)
	assert.Equal(t, RejectInterval, v.Decision)
	assert.Equal(t, 700*time.Millisecond, v.RetryAfter)

	// rejected attempts must not push the interval forward
	*now = now.Add(750 * time.Millisecond)
	assert.Equal(t, Accept, g.Admit(id).Decision)
}

func TestGate_BucketEviction(t *testing.T) {
	g, _ := newTestGate(t, config.RateLimitConfig{Requests: 1, Window: 60, MaxBuckets: 2})

	a := Identity{Key: "ip:a", Tier: "default"}
	b := Identity{Key: "ip:b", Tier: "default"}
	c := Identity{Key: "ip:c", Tier: "default"}

	assert.Equal(t, Accept, g.Admit(a).Decision)
	assert.Equal(t, Accept, g.Admit(b).Decision)
	assert.Equal(t, RejectRate, g.Admit(a).Decision, "bucket a retains its count")

	// c evicts the coldest bucket (b), and a fresh a-request still sees
	// its spent window
	assert.Equal(t, Accept, g.Admit(c).Decision)
	assert.Equal(t, 2, g.Stats().ActiveBuckets)
	assert.Equal(t, RejectRate, g.Admit(a).Decision)
	assert.Equal(t, Accept, g.Admit(b).Decision, "evicted identity starts over")
}

func TestGate_Sweep(t *testing.T) {
	g, now := newTestGate(t, config.RateLimitConfig{Requests: 5, Window: 10, MaxBuckets: 100})

	g.Admit(Identity{Key: "ip:old", Tier: "default"})
	*now = now.Add(30 * time.Second)
	g.Admit(Identity{Key: "ip:new", Tier: "default"})

	g.sweep()
	stats := g.Stats()
	assert.Equal(t, 1, stats.ActiveBuckets, "buckets idle beyond two windows are swept")
	assert.Equal(t, int64(2), stats.Accepted)
}
