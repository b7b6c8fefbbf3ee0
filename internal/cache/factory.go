package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/tiercache/internal/cache/kv"
	"github.com/blueberrycongee/tiercache/internal/cache/vector"
	"github.com/blueberrycongee/tiercache/internal/resilience"
)

// Backend names accepted in configuration.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendQdrant = "qdrant"
)

// Config holds the complete cache gateway configuration.
type Config struct {
	StoreBackend  string                 // redis or memory
	VectorBackend string                 // redis, qdrant or memory
	Redis         kv.RedisConfig         // KV store, shared with the redis vector index
	Memory        kv.MemoryConfig        // In-memory KV store
	RedisVector   vector.RedisConfig     // RediSearch index; prefix defaults to <namespace>:vec:
	Qdrant        vector.QdrantConfig    // Qdrant collection
	Dimension     int                    // Embedding dimension for every index backend
	Retry         resilience.RetryConfig // Vector write retries when writes can't be paired
}

// DefaultConfig returns an in-memory configuration for local use.
func DefaultConfig() Config {
	return Config{
		StoreBackend:  BackendMemory,
		VectorBackend: BackendMemory,
		Redis:         kv.DefaultRedisConfig(),
		Memory:        kv.DefaultMemoryConfig(),
		RedisVector:   vector.DefaultRedisConfig(),
		Dimension:     1536,
		Retry:         resilience.DefaultRetryConfig(),
	}
}

// New builds a gateway from cfg and makes sure the vector index exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	index, err := newIndex(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := index.EnsureIndex(ctx); err != nil {
		_ = index.Close()
		_ = store.Close()
		return nil, fmt.Errorf("ensure vector index: %w", err)
	}

	logger.Info("cache gateway ready",
		"store", cfg.StoreBackend,
		"vector", cfg.VectorBackend,
		"dimension", index.Dimension(),
	)

	return NewGateway(store, index, WithRetry(cfg.Retry), WithLogger(logger)), nil
}

func newStore(cfg Config) (kv.Store, error) {
	switch cfg.StoreBackend {
	case BackendRedis:
		store, err := kv.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		return store, nil
	case BackendMemory, "":
		return kv.NewMemoryStore(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

func newIndex(cfg Config, store kv.Store) (vector.Index, error) {
	switch cfg.VectorBackend {
	case BackendRedis:
		rs, ok := store.(*kv.RedisStore)
		if !ok {
			return nil, fmt.Errorf("redis vector backend requires the redis store backend")
		}
		vcfg := cfg.RedisVector
		vcfg.Dimension = cfg.Dimension
		if vcfg.Prefix == "" || vcfg.Prefix == vector.DefaultRedisConfig().Prefix {
			vcfg.Prefix = rs.Key("vec:")
		}
		return vector.NewRedisIndex(rs.Client(), vcfg)
	case BackendQdrant:
		qcfg := cfg.Qdrant
		qcfg.Dimension = cfg.Dimension
		return vector.NewQdrantIndex(qcfg)
	case BackendMemory, "":
		return vector.NewMemoryIndex(cfg.Dimension, nil), nil
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s", cfg.VectorBackend)
	}
}
