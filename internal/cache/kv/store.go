// Package kv provides exact-key storage with expiration for the cache tiers
// and the metrics counters. Redis is the production backend; an in-memory
// store serves local development and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv store is closed")

// Store defines single-key operations. Implementations must make every
// operation atomic with respect to its key; no cross-key transactions are
// required.
type Store interface {
	// Get returns the value for key. The bool is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key with the given TTL. A TTL <= 0 stores the key
	// without expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// TTL returns the remaining time to live of key. The bool is false when the
	// key is absent or has no expiration.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// IncrBy atomically adds delta to the integer stored at key.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// IncrByFloat atomically adds delta to the float stored at key.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// FlushAll removes every key owned by the store.
	FlushAll(ctx context.Context) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Stats holds store statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
