package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis as backend.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
	owned     bool

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// RedisConfig holds configuration for RedisStore.
type RedisConfig struct {
	// Single node configuration
	Addr     string `yaml:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `yaml:"password"` // Redis password
	DB       int    `yaml:"db"`       // Redis database number

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"` // Redis cluster addresses

	// Sentinel configuration
	SentinelAddrs  []string `yaml:"sentinel_addrs"`  // Sentinel addresses
	SentinelMaster string   `yaml:"sentinel_master"` // Sentinel master name

	// Common configuration
	Namespace    string        `yaml:"namespace"`      // Key namespace prefix
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retries
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		Namespace:    "tiercache",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// NewRedisClient builds a go-redis client for single node, cluster or
// sentinel deployments and verifies connectivity.
// RESP2 is forced because FT.SEARCH replies are only parsed under RESP2.
func NewRedisClient(cfg RedisConfig) (goredis.UniversalClient, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	var client goredis.UniversalClient

	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			Protocol:     2,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			Protocol:      2,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			Protocol:     2,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// NewRedisStore connects to Redis and returns a store that owns the client.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	s := NewRedisStoreWithClient(client, cfg.Namespace)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client; Close is a no-op.
func NewRedisStoreWithClient(client goredis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
	}
}

// Client returns the underlying go-redis client.
func (s *RedisStore) Client() goredis.UniversalClient {
	return s.client
}

// Key returns the fully qualified Redis key for key.
func (s *RedisStore) Key(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// Get retrieves a value from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.Key(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			s.misses.Add(1)
			return "", false, nil
		}
		s.errors.Add(1)
		return "", false, fmt.Errorf("redis get: %w", err)
	}

	s.hits.Add(1)
	return val, true, nil
}

// Set stores a value in Redis with TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.Key(key), value, ttl).Err(); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis set: %w", err)
	}

	s.sets.Add(1)
	return nil
}

// TTL returns the remaining TTL of key.
// Redis reports -2 for missing keys and -1 for keys without expiration;
// go-redis surfaces those as negative durations.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.TTL(ctx, s.Key(key)).Result()
	if err != nil {
		s.errors.Add(1)
		return 0, false, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl <= 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// IncrBy atomically increments an integer counter.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, s.Key(key), delta).Result()
	if err != nil {
		s.errors.Add(1)
		return 0, fmt.Errorf("redis incrby: %w", err)
	}
	return val, nil
}

// IncrByFloat atomically increments a float counter.
func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	val, err := s.client.IncrByFloat(ctx, s.Key(key), delta).Result()
	if err != nil {
		s.errors.Add(1)
		return 0, fmt.Errorf("redis incrbyfloat: %w", err)
	}
	return val, nil
}

// Delete removes a key from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// FlushAll removes every key under the namespace. Without a namespace the
// whole database is flushed.
func (s *RedisStore) FlushAll(ctx context.Context) error {
	if s.namespace == "" {
		if err := s.client.FlushDB(ctx).Err(); err != nil {
			s.errors.Add(1)
			return fmt.Errorf("redis flushdb: %w", err)
		}
		return nil
	}

	pattern := s.namespace + ":*"
	if cluster, ok := s.client.(*goredis.ClusterClient); ok {
		return cluster.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
			return deleteByPattern(ctx, node, pattern)
		})
	}
	return deleteByPattern(ctx, s.client, pattern)
}

func deleteByPattern(ctx context.Context, client goredis.Cmdable, pattern string) error {
	const batch = 500

	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection when the store owns it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Stats returns store statistics.
func (s *RedisStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    s.sets.Load(),
		Errors:  s.errors.Load(),
		HitRate: hitRate(hits, misses),
	}
}
