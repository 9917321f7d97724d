package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader assembles the configuration from layered sources. Each supported
// file format registers a FileLoader; the chain of files is tried per layer.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
	fileLoaders map[string]FileLoader
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a loader rooted at basePath (default "config").
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	l := &Loader{
		basePath:    basePath,
		environment: env,
		fileLoaders: make(map[string]FileLoader),
	}
	l.RegisterLoader(&YAMLLoader{})
	l.RegisterLoader(&JSONLoader{})
	return l
}

// RegisterLoader registers a file format.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders[loader.Extension()] = loader
}

// Load builds the configuration. Priority, lowest to highest: defaults,
// base file, environment file, local file (development only), environment
// variables. The result is validated before being returned.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	cfg.Environment = l.environment
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: failed to load local config: %v\n", err)
		}
	}

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for ext, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, fmt.Sprintf("%s.%s", name, ext))
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		defer file.Close()

		if err := loader.Load(file, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

// loadEnvironmentVariables overlays RAG_* variables, the highest-priority
// source. Only recognized names are honored.
func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	setString(&cfg.Server.Host, "RAG_HOST")
	setInt(&cfg.Server.Port, "RAG_PORT")
	setInt(&cfg.Server.Workers, "RAG_WORKERS")
	setBool(&cfg.Server.Debug, "RAG_DEBUG")

	setString(&cfg.Paths.WorkingDir, "RAG_WORKING_DIR")
	setString(&cfg.Paths.QAStorageDir, "RAG_QA_STORAGE_DIR")
	setString(&cfg.Paths.LogDir, "RAG_LOG_DIR")
	setString(&cfg.Paths.UploadDir, "RAG_UPLOAD_DIR")
	setString(&cfg.Paths.BackupDir, "RAG_BACKUP_DIR")

	setString(&cfg.LLM.APIBase, "RAG_LLM_API_BASE")
	setString(&cfg.LLM.APIKey, "RAG_LLM_API_KEY")
	setString(&cfg.LLM.Model, "RAG_LLM_MODEL")
	setInt(&cfg.LLM.Timeout, "RAG_LLM_TIMEOUT")

	setString(&cfg.Embedding.APIBase, "RAG_EMBEDDING_API_BASE")
	setString(&cfg.Embedding.APIKey, "RAG_EMBEDDING_API_KEY")
	setString(&cfg.Embedding.Model, "RAG_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dim, "RAG_EMBEDDING_DIM")
	setInt(&cfg.Embedding.Timeout, "RAG_EMBEDDING_TIMEOUT")

	setBool(&cfg.Rerank.Enabled, "RAG_RERANK_ENABLED")
	setString(&cfg.Rerank.Model, "RAG_RERANK_MODEL")
	setInt(&cfg.Rerank.Timeout, "RAG_RERANK_TIMEOUT")

	setBool(&cfg.Cache.Enabled, "RAG_ENABLE_CACHE")
	setString(&cfg.Cache.Backend, "RAG_CACHE_BACKEND")
	setInt(&cfg.Cache.TTL, "RAG_CACHE_TTL")
	setString(&cfg.Cache.Redis.Addr, "RAG_REDIS_ADDR")
	setString(&cfg.Cache.Redis.Password, "RAG_REDIS_PASSWORD")

	setBool(&cfg.Proxy.EnableProxyHeaders, "RAG_ENABLE_PROXY_HEADERS")
	setStringSlice(&cfg.Proxy.TrustedProxyIPs, "RAG_TRUSTED_PROXY_IPS")
	setString(&cfg.Proxy.UserIDHeader, "RAG_USER_ID_HEADER")
	setString(&cfg.Proxy.ClientIDHeader, "RAG_CLIENT_ID_HEADER")
	setString(&cfg.Proxy.UserTierHeader, "RAG_USER_TIER_HEADER")

	setInt(&cfg.RateLimit.Requests, "RAG_RATE_LIMIT_REQUESTS")
	setInt(&cfg.RateLimit.Window, "RAG_RATE_LIMIT_WINDOW")
	setFloat(&cfg.RateLimit.MinIntervalPerUser, "RAG_MIN_INTERVAL_PER_USER")

	setInt64(&cfg.Upload.MaxFileSize, "RAG_MAX_FILE_SIZE")
	setStringSlice(&cfg.Upload.AllowedFileTypes, "RAG_ALLOWED_FILE_TYPES")

	setFloat(&cfg.QA.SimilarityThreshold, "RAG_QA_SIMILARITY_THRESHOLD")
	setInt(&cfg.QA.MaxResults, "RAG_QA_MAX_RESULTS")

	setFloat(&cfg.Intent.ConfidenceThreshold, "RAG_INTENT_CONFIDENCE_THRESHOLD")
	setBool(&cfg.Intent.EnableLLM, "RAG_INTENT_ENABLE_LLM")
	setString(&cfg.Intent.SensitiveVocabularyPath, "RAG_INTENT_SENSITIVE_VOCABULARY_PATH")

	setString(&cfg.Logging.Level, "RAG_LOG_LEVEL")
	setBool(&cfg.Tracing.Enabled, "RAG_TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "RAG_TRACING_ENDPOINT")
}

// Default returns the configuration defaults, usable without any files.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8002,
			Workers:         1,
			ReadTimeout:     60,
			WriteTimeout:    300,
			ShutdownTimeout: 30,
		},
		Paths: PathsConfig{
			WorkingDir:   "./knowledgeBase",
			QAStorageDir: "./Q_A_Base",
			LogDir:       "./logs",
			UploadDir:    "./uploads",
			BackupDir:    "./backups",
		},
		LLM: LLMConfig{
			APIBase:     "http://localhost:8100/v1",
			Model:       "qwen14b",
			Timeout:     240,
			Temperature: 0.1,
			MaxTokens:   2048,
		},
		Embedding: EmbeddingConfig{
			APIBase: "http://localhost:8200/v1",
			Model:   "embedding_qwen",
			Dim:     1536,
			Timeout: 240,
		},
		Rerank: RerankConfig{
			Enabled: false,
			Model:   "rerank-multilingual-v3.0",
			Timeout: 240,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Backend:  "memory",
			TTL:      3600,
			MaxItems: 10000,
			SizeMB:   128,
			Redis:    RedisConfig{Addr: "localhost:6379"},
		},
		Proxy: ProxyConfig{
			EnableProxyHeaders: true,
			UserIDHeader:       "X-User-Id",
			ClientIDHeader:     "X-Client-Id",
			UserTierHeader:     "X-User-Tier",
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   60,
			Tiers: map[string]int{
				"default":    60,
				"free":       30,
				"pro":        300,
				"enterprise": 3000,
			},
			MinIntervalPerUser: 0,
			MaxBuckets:         10000,
		},
		Upload: UploadConfig{
			MaxFileSize:      50 * 1024 * 1024,
			AllowedFileTypes: []string{".txt", ".md", ".pdf", ".docx"},
		},
		QA: QAConfig{
			SimilarityThreshold: 0.98,
			MaxResults:          10,
		},
		Intent: IntentConfig{
			ConfidenceThreshold: 0.7,
			EnableLLM:           true,
			EnableDFA:           true,
			EnableEnhancement:   true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			RingSize: 1000,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "ragserve",
			SampleRate:  1.0,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		},
	}
}

// ============================================================================
// FILE LOADERS
// ============================================================================

// YAMLLoader decodes YAML configuration files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (y *YAMLLoader) Extension() string { return "yaml" }

// JSONLoader decodes JSON configuration files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extension() string { return "json" }

// ============================================================================
// HELPERS
// ============================================================================

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// LoadDefault loads configuration from the conventional location using the
// RAG_ENV environment.
func LoadDefault() (*Config, error) {
	return NewLoader("config", getEnvironment()).Load()
}
