package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8002, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 60, cfg.RateLimit.Tiers["default"])
	assert.Equal(t, int64(50*1024*1024), cfg.Upload.MaxFileSize)
}

func TestLoader_LayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "server:\n  port: 9000\n  host: base-host\n")
	writeFile(t, dir, "development.yaml", "server:\n  port: 9100\n")
	t.Setenv("RAG_PORT", "9200")

	cfg, err := NewLoader(dir, Development).Load()
	require.NoError(t, err)

	// env beats development.yaml beats base.yaml; untouched keys keep base
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "base-host", cfg.Server.Host)
	assert.Contains(t, cfg.LoadedFrom, "defaults")
	assert.Contains(t, cfg.LoadedFrom, "environment")
}

func TestLoader_LocalOverridesInDevelopmentOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "local.yaml", "server:\n  port: 9999\n")

	dev, err := NewLoader(dir, Development).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, dev.Server.Port)

	prod, err := NewLoader(dir, Production).Load()
	require.NoError(t, err)
	assert.Equal(t, 8002, prod.Server.Port)
}

func TestLoader_EnvVarTypes(t *testing.T) {
	t.Setenv("RAG_DEBUG", "true")
	t.Setenv("RAG_MIN_INTERVAL_PER_USER", "0.5")
	t.Setenv("RAG_TRUSTED_PROXY_IPS", "10.0.0.0/8, 192.168.1.1")
	t.Setenv("RAG_EMBEDDING_DIM", "2560")

	cfg, err := NewLoader(t.TempDir(), Development).Load()
	require.NoError(t, err)

	assert.True(t, cfg.Server.Debug)
	assert.InDelta(t, 0.5, cfg.RateLimit.MinIntervalPerUser, 1e-9)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Proxy.TrustedProxyIPs)
	assert.Equal(t, 2560, cfg.Embedding.Dim)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero workers", func(c *Config) { c.Server.Workers = 0 }},
		{"bad llm url", func(c *Config) { c.LLM.APIBase = "not-a-url" }},
		{"zero embedding dim", func(c *Config) { c.Embedding.Dim = 0 }},
		{"empty working dir", func(c *Config) { c.Paths.WorkingDir = "" }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis"; c.Cache.Redis.Addr = "" }},
		{"bad cidr", func(c *Config) { c.Proxy.TrustedProxyIPs = []string{"banana"} }},
		{"negative min interval", func(c *Config) { c.RateLimit.MinIntervalPerUser = -1 }},
		{"threshold out of range", func(c *Config) { c.Intent.ConfidenceThreshold = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_InjectsDefaultTier(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Requests = 42
	cfg.RateLimit.Tiers = map[string]int{"pro": 100}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 42, cfg.RateLimit.Tiers["default"])
}

func TestTrustedNetworks_BareIPBecomesHostNet(t *testing.T) {
	cfg := Default()
	cfg.Proxy.TrustedProxyIPs = []string{"127.0.0.1", "10.0.0.0/8"}

	nets := cfg.TrustedNetworks()
	require.Len(t, nets, 2)
	ones, _ := nets[0].Mask.Size()
	assert.Equal(t, 32, ones)
}

func TestRedacted_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-secret"
	cfg.Embedding.APIKey = ""

	red := cfg.Redacted()
	assert.Equal(t, "****", red.LLM.APIKey)
	assert.Empty(t, red.Embedding.APIKey)
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey)
}
