// Package config provides layered configuration loading for the service.
// Values come from, in increasing priority: built-in defaults, config/base.yaml,
// the environment-specific file, config/local.yaml, then RAG_* environment
// variables. The final struct is validated before the server starts.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the explicit option set recognized by the service. Timeouts and
// windows are numeric seconds, matching the wire-visible option names.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Cache     CacheConfig     `yaml:"cache"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Upload    UploadConfig    `yaml:"upload"`
	QA        QAConfig        `yaml:"qa"`
	Intent    IntentConfig    `yaml:"intent"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	CORS      CORSConfig      `yaml:"cors"`

	// LoadedFrom records which sources contributed, for /system/status.
	LoadedFrom []string `yaml:"-"`
}

// ServerConfig holds the HTTP listener options.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Workers         int    `yaml:"workers"`
	Debug           bool   `yaml:"debug"`
	ReadTimeout     int    `yaml:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"`
}

// PathsConfig holds every on-disk location the service owns.
type PathsConfig struct {
	WorkingDir   string `yaml:"working_dir"`
	QAStorageDir string `yaml:"qa_storage_dir"`
	LogDir       string `yaml:"log_dir"`
	UploadDir    string `yaml:"upload_dir"`
	BackupDir    string `yaml:"backup_dir"`
}

// LLMConfig holds the chat-completion upstream options.
type LLMConfig struct {
	APIBase           string  `yaml:"api_base"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Timeout           int     `yaml:"timeout"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// EmbeddingConfig holds the embedding upstream options.
type EmbeddingConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Dim     int    `yaml:"dim"`
	Timeout int    `yaml:"timeout"`
}

// RerankConfig holds the reranker upstream options.
type RerankConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout"`
}

// CacheConfig holds the cache coordinator options. SizeLimits maps a cache
// name to its budget in MB; unnamed caches get the default budget.
type CacheConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Backend    string         `yaml:"backend"`
	TTL        int            `yaml:"ttl"`
	MaxItems   int            `yaml:"max_items"`
	SizeMB     int            `yaml:"size_mb"`
	SizeLimits map[string]int `yaml:"per_cache_size_limits"`
	Redis      RedisConfig    `yaml:"redis"`
}

// RedisConfig is used when Backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProxyConfig controls identity extraction from forwarded headers.
type ProxyConfig struct {
	EnableProxyHeaders bool     `yaml:"enable_proxy_headers"`
	TrustedProxyIPs    []string `yaml:"trusted_proxy_ips"`
	UserIDHeader       string   `yaml:"user_id_header"`
	ClientIDHeader     string   `yaml:"client_id_header"`
	UserTierHeader     string   `yaml:"user_tier_header"`
}

// RateLimitConfig controls the admission gate.
type RateLimitConfig struct {
	Requests           int            `yaml:"requests"`
	Window             int            `yaml:"window"`
	Tiers              map[string]int `yaml:"tiers"`
	MinIntervalPerUser float64        `yaml:"min_interval_per_user"`
	MaxBuckets         int            `yaml:"max_buckets"`
}

// UploadConfig bounds file ingestion.
type UploadConfig struct {
	MaxFileSize      int64    `yaml:"max_file_size"`
	AllowedFileTypes []string `yaml:"allowed_file_types"`
}

// QAConfig controls the fixed-QA matching store.
type QAConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxResults          int     `yaml:"max_results"`
}

// IntentConfig controls the intent engine.
type IntentConfig struct {
	ConfidenceThreshold     float64 `yaml:"confidence_threshold"`
	EnableLLM               bool    `yaml:"enable_llm"`
	EnableDFA               bool    `yaml:"enable_dfa"`
	EnableEnhancement       bool    `yaml:"enable_enhancement"`
	SensitiveVocabularyPath string  `yaml:"sensitive_vocabulary_path"`
	DynamicConfigPath       string  `yaml:"dynamic_config_path"`
}

// LoggingConfig controls zap and the in-memory log ring.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	RingSize int    `yaml:"ring_size"`
}

// TracingConfig controls the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// CORSConfig controls the outermost middleware.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ============================================================================
// DERIVED ACCESSORS
// ============================================================================

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LLMTimeout returns the chat-completion budget as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.Timeout) * time.Second
}

// EmbeddingTimeout returns the embedding budget as a duration.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.Timeout) * time.Second
}

// RerankTimeout returns the rerank budget as a duration.
func (c *Config) RerankTimeout() time.Duration {
	return time.Duration(c.Rerank.Timeout) * time.Second
}

// CacheTTL returns the default cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

// RateWindow returns the fixed-window length as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.Window) * time.Second
}

// MinInterval returns the per-user minimum inter-arrival gap.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.RateLimit.MinIntervalPerUser * float64(time.Second))
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// IsDevelopment reports whether this is a development deployment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks the assembled configuration. A failure here aborts startup
// with exit code 1.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range [1,65535]", c.Server.Port)
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be >= 1, got %d", c.Server.Workers)
	}
	for name, base := range map[string]string{
		"llm.api_base":       c.LLM.APIBase,
		"embedding.api_base": c.Embedding.APIBase,
	} {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s %q must be an http(s) URL", name, base)
		}
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Paths.WorkingDir == "" {
		return fmt.Errorf("paths.working_dir must not be empty")
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload.max_file_size must be positive, got %d", c.Upload.MaxFileSize)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr required when cache.backend is redis")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %d", c.RateLimit.Window)
	}
	if c.RateLimit.MinIntervalPerUser < 0 {
		return fmt.Errorf("rate_limit.min_interval_per_user must not be negative")
	}
	if len(c.RateLimit.Tiers) == 0 {
		return fmt.Errorf("rate_limit.tiers must not be empty")
	}
	if _, ok := c.RateLimit.Tiers["default"]; !ok {
		c.RateLimit.Tiers["default"] = c.RateLimit.Requests
	}
	for _, cidr := range c.Proxy.TrustedProxyIPs {
		if _, err := parseCIDR(cidr); err != nil {
			return fmt.Errorf("proxy.trusted_proxy_ips entry %q: %w", cidr, err)
		}
	}
	if c.QA.SimilarityThreshold <= 0 || c.QA.SimilarityThreshold > 1 {
		return fmt.Errorf("qa.similarity_threshold must be within (0,1], got %g", c.QA.SimilarityThreshold)
	}
	if c.Intent.ConfidenceThreshold < 0 || c.Intent.ConfidenceThreshold > 1 {
		return fmt.Errorf("intent.confidence_threshold must be within [0,1]")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint required when tracing is enabled")
	}
	return nil
}

// TrustedNetworks parses the configured CIDR list. Bare addresses are
// treated as single-host networks.
func (c *Config) TrustedNetworks() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(c.Proxy.TrustedProxyIPs))
	for _, cidr := range c.Proxy.TrustedProxyIPs {
		if n, err := parseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

func parseCIDR(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("not an IP or CIDR")
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		s = fmt.Sprintf("%s/%d", s, bits)
	}
	_, n, err := net.ParseCIDR(s)
	return n, err
}

// Redacted returns a copy safe for /system/status: API keys and passwords
// are masked.
func (c *Config) Redacted() Config {
	out := *c
	out.LLM.APIKey = mask(c.LLM.APIKey)
	out.Embedding.APIKey = mask(c.Embedding.APIKey)
	out.Cache.Redis.Password = mask(c.Cache.Redis.Password)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// CurrentEnvironment reads RAG_ENV, defaulting to development.
func CurrentEnvironment() Environment {
	return getEnvironment()
}

func getEnvironment() Environment {
	switch strings.ToLower(os.Getenv("RAG_ENV")) {
	case "production", "prod":
		return Production
	case "staging":
		return Staging
	default:
		return Development
	}
}
