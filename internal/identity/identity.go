// Package identity derives a stable per-request identity from proxy
// headers and enforces tiered admission on top of it. It sits in front of
// every route; rejected requests never reach the orchestrator.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"ragserve/internal/config"
)

// Source records which rule produced the identity, for logs and stats.
type Source string

const (
	SourceUserHeader   Source = "user_header"
	SourceClientHeader Source = "client_header"
	SourceJWT          Source = "jwt"
	SourceToken        Source = "token"
	SourceIP           Source = "ip"
)

// Identity is the admission key for one request.
type Identity struct {
	Key      string
	Tier     string
	Source   Source
	SourceIP string
}

// Extractor derives identities. Rules apply in order, stopping at the
// first non-empty result:
//  1. user-id header, only when the peer is a trusted proxy
//  2. client-id header
//  3. Authorization bearer token (JWT subject, else a hash of the token)
//  4. client IP (X-Forwarded-For honored only behind a trusted proxy)
type Extractor struct {
	cfg     config.ProxyConfig
	tiers   map[string]int
	trusted []*net.IPNet
	logger  *zap.Logger
}

// NewExtractor builds the extractor. An unparseable trusted-proxy entry is
// logged once here rather than per request.
func NewExtractor(cfg *config.Config, logger *zap.Logger) *Extractor {
	trusted := cfg.TrustedNetworks()
	if len(trusted) < len(cfg.Proxy.TrustedProxyIPs) {
		logger.Warn("some trusted_proxy_ips entries are not valid IPs or CIDRs and were ignored",
			zap.Strings("configured", cfg.Proxy.TrustedProxyIPs),
			zap.Int("parsed", len(trusted)))
	}
	return &Extractor{
		cfg:     cfg.Proxy,
		tiers:   cfg.RateLimit.Tiers,
		trusted: trusted,
		logger:  logger.Named("identity"),
	}
}

// FromRequest derives the identity for one request. It never fails; the
// weakest rule (peer IP) always applies.
func (e *Extractor) FromRequest(r *http.Request) Identity {
	peer := peerIP(r.RemoteAddr)
	trusted := e.isTrusted(peer)

	id := Identity{Tier: e.tier(r), SourceIP: e.clientIP(r, peer, trusted)}

	if e.cfg.EnableProxyHeaders && trusted {
		if v := strings.TrimSpace(r.Header.Get(e.cfg.UserIDHeader)); v != "" {
			id.Key, id.Source = "user:"+v, SourceUserHeader
			return id
		}
	}
	if v := strings.TrimSpace(r.Header.Get(e.cfg.ClientIDHeader)); v != "" {
		id.Key, id.Source = "client:"+v, SourceClientHeader
		return id
	}
	if key, src, ok := fromAuthorization(r.Header.Get("Authorization")); ok {
		id.Key, id.Source = key, src
		return id
	}
	id.Key, id.Source = "ip:"+id.SourceIP, SourceIP
	return id
}

// tier reads the tier header and keeps it only when the tier map knows it.
func (e *Extractor) tier(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get(e.cfg.UserTierHeader))
	if v == "" {
		return "default"
	}
	if _, ok := e.tiers[v]; !ok {
		return "default"
	}
	return v
}

// clientIP resolves the effective client address. X-Forwarded-For and
// X-Real-IP count only when the direct peer is a trusted proxy.
func (e *Extractor) clientIP(r *http.Request, peer string, trusted bool) string {
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			if net.ParseIP(real) != nil {
				return real
			}
		}
	}
	return peer
}

func (e *Extractor) isTrusted(peer string) bool {
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, network := range e.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// fromAuthorization turns a bearer token into an identity key. A JWT
// contributes its subject claim; any other token is hashed so the raw
// secret never lands in logs or bucket keys.
func fromAuthorization(header string) (string, Source, bool) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", "", false
	}
	if after, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(after)
	}
	if token == "" {
		return "", "", false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.Subject != "" {
		return "user:" + claims.Subject, SourceJWT, true
	}

	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:8]), SourceToken, true
}

// peerIP strips the port off a RemoteAddr.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
