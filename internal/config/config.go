// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Vector    VectorConfig    `yaml:"vector"`
	Model     ModelConfig     `yaml:"model"`
	Engine    EngineConfig    `yaml:"engine"`
	Writeback WritebackConfig `yaml:"writeback"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	LoadTest  LoadTestConfig  `yaml:"loadtest"`
	CORS      CORSConfig      `yaml:"cors"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig selects the key-value backend and configures Redis.
type RedisConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend"`

	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	ClusterAddrs   []string      `yaml:"cluster_addrs"`
	SentinelAddrs  []string      `yaml:"sentinel_addrs"`
	SentinelMaster string        `yaml:"sentinel_master"`
	Namespace      string        `yaml:"namespace"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PoolSize       int           `yaml:"pool_size"`
	MinIdleConns   int           `yaml:"min_idle_conns"`
	MaxRetries     int           `yaml:"max_retries"`
}

// VectorConfig selects and configures the vector index.
type VectorConfig struct {
	Backend        string `yaml:"backend"` // redis, qdrant, memory
	Index          string `yaml:"index"`
	Prefix         string `yaml:"prefix"`
	Dimension      int    `yaml:"dimension"`
	DistanceMetric string `yaml:"distance_metric"`

	QdrantAPIBase    string        `yaml:"qdrant_api_base"`
	QdrantAPIKey     string        `yaml:"qdrant_api_key"`
	QdrantCollection string        `yaml:"qdrant_collection"`
	QdrantTimeout    time.Duration `yaml:"qdrant_timeout"`
}

// ModelConfig configures the OpenAI-compatible model provider.
type ModelConfig struct {
	APIBase           string            `yaml:"api_base"`
	APIKey            string            `yaml:"api_key"`
	GenerationModel   string            `yaml:"generation_model"`
	TTLModel          string            `yaml:"ttl_model"`
	EmbeddingModel    string            `yaml:"embedding_model"`
	EmbeddingAPIBase  string            `yaml:"embedding_api_base"` // defaults to api_base
	EmbeddingAPIKey   string            `yaml:"embedding_api_key"`  // defaults to api_key
	Timeout           time.Duration     `yaml:"timeout"`
	EmbeddingTimeout  time.Duration     `yaml:"embedding_timeout"`
	Headers           map[string]string `yaml:"headers"`
	BreakerEnabled    bool              `yaml:"breaker_enabled"`
	BreakerThreshold  int               `yaml:"breaker_failure_threshold"`
	BreakerOpenPeriod time.Duration     `yaml:"breaker_open_period"`
}

// EngineConfig tunes tier selection.
type EngineConfig struct {
	SimilarityThreshold float64         `yaml:"similarity_threshold"`
	SearchK             int             `yaml:"search_k"`
	HighRiskTerms       []string        `yaml:"high_risk_terms"`
	MediumRiskTerms     []string        `yaml:"medium_risk_terms"`
	DefaultTTL          time.Duration   `yaml:"default_ttl"`
	AllowedTTLs         []time.Duration `yaml:"allowed_ttls"`
}

// WritebackConfig sizes the asynchronous cache writer.
type WritebackConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	Timeout             time.Duration `yaml:"timeout"`
	VectorRetryAttempts int           `yaml:"vector_retry_attempts"`
	VectorRetryDelay    time.Duration `yaml:"vector_retry_delay"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// LoadTestConfig bounds the built-in load generator.
type LoadTestConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxUsers     int           `yaml:"max_users"`
	MaxSpawnRate float64       `yaml:"max_spawn_rate"`
	MaxRunTime   time.Duration `yaml:"max_run_time"`
	// TargetURL overrides the base URL the generator calls; empty means
	// this server on localhost.
	TargetURL string `yaml:"target_url"`
}

// CORSConfig controls cross-origin access for browser dashboards.
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowAllOrigins  bool          `yaml:"allow_all_origins"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	DeniedOrigins    []string      `yaml:"denied_origins"`
	AllowMethods     []string      `yaml:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age"`
}

// SecretsConfig controls how credential references such as
// "env://OPENAI_API_KEY" or "vault://secret/data/tiercache#api_key" are
// resolved at startup.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig configures the HashiCorp Vault secret provider.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // approle, cert
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Redis: RedisConfig{
			Backend:      "redis",
			Addr:         "localhost:6379",
			Namespace:    "tiercache",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
		},
		Vector: VectorConfig{
			Backend:          "redis",
			Index:            "idx:cache_vectors",
			Dimension:        1536,
			DistanceMetric:   "COSINE",
			QdrantAPIBase:    "http://localhost:6333",
			QdrantCollection: "tiercache",
			QdrantTimeout:    10 * time.Second,
		},
		Model: ModelConfig{
			APIBase:           "https://openrouter.ai/api/v1",
			GenerationModel:   "google/gemini-2.5-flash-lite",
			TTLModel:          "google/gemini-2.0-flash-exp",
			EmbeddingModel:    "openai/text-embedding-3-small",
			Timeout:           60 * time.Second,
			EmbeddingTimeout:  30 * time.Second,
			BreakerEnabled:    true,
			BreakerThreshold:  5,
			BreakerOpenPeriod: 30 * time.Second,
		},
		Engine: EngineConfig{
			SimilarityThreshold: 0.9,
			SearchK:             5,
			DefaultTTL:          time.Hour,
			AllowedTTLs:         []time.Duration{15 * time.Minute, time.Hour, 3 * time.Hour, 12 * time.Hour},
		},
		Writeback: WritebackConfig{
			Workers:             4,
			QueueSize:           1024,
			Timeout:             30 * time.Second,
			VectorRetryAttempts: 3,
			VectorRetryDelay:    50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "tiercache",
			SampleRate:  1.0,
			Insecure:    true,
		},
		LoadTest: LoadTestConfig{
			Enabled:      true,
			MaxUsers:     2000,
			MaxSpawnRate: 500,
			MaxRunTime:   10 * time.Minute,
		},
		CORS: CORSConfig{
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "X-Request-ID"},
			ExposeHeaders: []string{"X-Request-ID"},
			MaxAge:        10 * time.Minute,
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
			Vault: VaultConfig{
				AuthMethod: "approle",
			},
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

var (
	kvBackends       = []string{"redis", "memory"}
	vectorBackends   = []string{"redis", "qdrant", "memory"}
	logLevels        = []string{"debug", "info", "warn", "error"}
	logFormats       = []string{"json", "text"}
	vaultAuthMethods = []string{"approle", "cert"}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !slices.Contains(kvBackends, c.Redis.Backend) {
		return fmt.Errorf("redis.backend must be one of %v, got %q", kvBackends, c.Redis.Backend)
	}
	if c.Redis.Backend == "redis" && c.Redis.Addr == "" && len(c.Redis.ClusterAddrs) == 0 && len(c.Redis.SentinelAddrs) == 0 {
		return fmt.Errorf("redis.addr is required")
	}

	if !slices.Contains(vectorBackends, c.Vector.Backend) {
		return fmt.Errorf("vector.backend must be one of %v, got %q", vectorBackends, c.Vector.Backend)
	}
	if c.Vector.Backend == "redis" && c.Redis.Backend != "redis" {
		return fmt.Errorf("vector.backend redis requires redis.backend redis")
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive")
	}
	if c.Vector.Backend == "qdrant" && c.Vector.QdrantAPIBase == "" {
		return fmt.Errorf("vector.qdrant_api_base is required")
	}

	if c.Model.APIBase == "" {
		return fmt.Errorf("model.api_base is required")
	}
	if c.Model.GenerationModel == "" || c.Model.EmbeddingModel == "" {
		return fmt.Errorf("model.generation_model and model.embedding_model are required")
	}
	if c.Model.Timeout < 0 || c.Model.EmbeddingTimeout < 0 {
		return fmt.Errorf("model timeouts cannot be negative")
	}

	if c.Engine.SimilarityThreshold <= 0 || c.Engine.SimilarityThreshold > 1 {
		return fmt.Errorf("engine.similarity_threshold must be in (0, 1], got %v", c.Engine.SimilarityThreshold)
	}
	if c.Engine.SearchK <= 0 {
		return fmt.Errorf("engine.search_k must be positive")
	}
	if c.Engine.DefaultTTL <= 0 {
		return fmt.Errorf("engine.default_ttl must be positive")
	}
	for _, ttl := range c.Engine.AllowedTTLs {
		if ttl <= 0 {
			return fmt.Errorf("engine.allowed_ttls entries must be positive")
		}
	}

	if c.Writeback.Workers < 0 || c.Writeback.QueueSize < 0 {
		return fmt.Errorf("writeback.workers and writeback.queue_size cannot be negative")
	}
	if c.Writeback.Timeout < 0 {
		return fmt.Errorf("writeback.timeout cannot be negative")
	}

	if !slices.Contains(logLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of %v, got %q", logLevels, c.Logging.Level)
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		return fmt.Errorf("logging.format must be one of %v, got %q", logFormats, c.Logging.Format)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}

	if c.LoadTest.MaxUsers < 0 || c.LoadTest.MaxSpawnRate < 0 {
		return fmt.Errorf("loadtest limits cannot be negative")
	}

	if c.CORS.AllowAllOrigins && c.CORS.AllowCredentials {
		return fmt.Errorf("cors.allow_credentials cannot be combined with cors.allow_all_origins")
	}

	if c.Secrets.CacheTTL < 0 {
		return fmt.Errorf("secrets.cache_ttl cannot be negative")
	}
	if v := c.Secrets.Vault; v.Enabled {
		if v.Address == "" {
			return fmt.Errorf("secrets.vault.address is required")
		}
		if !slices.Contains(vaultAuthMethods, v.AuthMethod) {
			return fmt.Errorf("secrets.vault.auth_method must be one of %v, got %q", vaultAuthMethods, v.AuthMethod)
		}
	}

	return nil
}
