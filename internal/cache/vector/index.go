// Package vector provides vector index interfaces and implementations
// for the semantic cache tier.
package vector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDimensionMismatch is returned when a vector does not have the index dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Index defines the interface for vector index backends.
type Index interface {
	// EnsureIndex creates the index if it doesn't exist.
	EnsureIndex(ctx context.Context) error

	// Upsert stores a vector with its cache id and the query it was computed from.
	Upsert(ctx context.Context, entry Entry) error

	// Search returns up to k nearest neighbours of vector, most similar first.
	Search(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Query returns the query text associated with id.
	// The bool is false when the entry is absent or expired.
	Query(ctx context.Context, id string) (string, bool, error)

	// Delete removes an entry by ID.
	Delete(ctx context.Context, id string) error

	// Reset drops every entry and recreates an empty index.
	Reset(ctx context.Context) error

	// Dimension returns the fixed vector dimension of the index.
	Dimension() int

	// Ping checks if the index is healthy.
	Ping(ctx context.Context) error

	// Close releases resources held by the index.
	Close() error
}

// PairedWriter is implemented by indexes that can write an entry and a
// KV record atomically, because both live in the same Redis deployment.
type PairedWriter interface {
	UpsertPaired(ctx context.Context, entry Entry, key, value string) error
}

// Entry represents a vector entry to be stored.
type Entry struct {
	// ID is the opaque cache id shared with the L2 response record.
	ID string

	// Query is the original query text used to generate the embedding.
	Query string

	// Vector is the embedding vector.
	Vector []float32

	// TTL is the time-to-live for this entry. Zero means no expiration.
	TTL time.Duration
}

// Match represents a single search result.
type Match struct {
	// ID is the cache id of the matched entry.
	ID string

	// Similarity is the cosine similarity (1 = identical, 0 = orthogonal).
	Similarity float64

	// Distance is the cosine distance reported by the index (1 - similarity).
	Distance float64
}

// CheckDimension validates that vec has exactly dim components.
func CheckDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(vec))
	}
	return nil
}

// SimilarityFromDistance converts a cosine distance into a similarity score.
func SimilarityFromDistance(distance float64) float64 {
	return 1 - distance
}
