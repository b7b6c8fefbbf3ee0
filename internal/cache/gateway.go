// Package cache provides the tiered cache gateway: an exact-match tier (L1)
// and a semantic tier (L2) backed by a key-value store and a vector index.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/tiercache/internal/cache/kv"
	"github.com/blueberrycongee/tiercache/internal/cache/vector"
	"github.com/blueberrycongee/tiercache/internal/resilience"
)

// Key prefixes inside the store namespace.
const (
	L1Prefix      = "l1:"
	L2Prefix      = "l2:"
	MetricsPrefix = "metrics:"
)

// L1Key returns the exact-match key for query.
func L1Key(query string) string {
	return L1Prefix + query
}

// L2Key returns the response key for a semantic entry. The id is hash-tagged
// to share a cluster slot with its vector entry.
func L2Key(id string) string {
	return L2Prefix + "{" + id + "}"
}

// Candidate is the best semantic match for an embedding.
type Candidate struct {
	ID         string
	Similarity float64
	// Query is the query text the candidate was stored for, empty if gone.
	Query string
}

// keyQualifier is implemented by stores that expose the physical key of a
// logical one, e.g. *kv.RedisStore.
type keyQualifier interface {
	Key(key string) string
}

// Gateway is the single entry point to both cache tiers.
type Gateway struct {
	store  kv.Store
	index  vector.Index
	retry  *resilience.Retry
	logger *slog.Logger
	newID  func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetry sets the retry policy for vector writes that can't be paired.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retry = resilience.NewRetry(cfg) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithIDGenerator overrides the L2 id generator.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) { g.newID = fn }
}

// NewGateway creates a gateway over store and index.
func NewGateway(store kv.Store, index vector.Index, opts ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		index:  index,
		retry:  resilience.NewRetry(resilience.DefaultRetryConfig()),
		logger: slog.Default(),
		newID:  newHexID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func newHexID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Store returns the underlying key-value store.
func (g *Gateway) Store() kv.Store {
	return g.store
}

// Index returns the underlying vector index.
func (g *Gateway) Index() vector.Index {
	return g.index
}

// GetL1 returns the exact-match response for query.
func (g *Gateway) GetL1(ctx context.Context, query string) (string, bool, error) {
	val, ok, err := g.store.Get(ctx, L1Key(query))
	if err != nil {
		return "", false, fmt.Errorf("l1 get: %w", err)
	}
	return val, ok, nil
}

// SetL1 stores response for query with ttl.
func (g *Gateway) SetL1(ctx context.Context, query, response string, ttl time.Duration) error {
	if err := g.store.Set(ctx, L1Key(query), response, ttl); err != nil {
		return fmt.Errorf("l1 set: %w", err)
	}
	return nil
}

// GetL2 returns the semantic-tier response stored under id.
func (g *Gateway) GetL2(ctx context.Context, id string) (string, bool, error) {
	val, ok, err := g.store.Get(ctx, L2Key(id))
	if err != nil {
		return "", false, fmt.Errorf("l2 get: %w", err)
	}
	return val, ok, nil
}

// L2TTL returns the remaining lifetime of the L2 response under id.
func (g *Gateway) L2TTL(ctx context.Context, id string) (time.Duration, bool, error) {
	ttl, ok, err := g.store.TTL(ctx, L2Key(id))
	if err != nil {
		return 0, false, fmt.Errorf("l2 ttl: %w", err)
	}
	return ttl, ok, nil
}

// BestMatch searches k neighbours of vec and returns the top one,
// or nil when the index is empty.
func (g *Gateway) BestMatch(ctx context.Context, vec []float32, k int) (*Candidate, error) {
	matches, err := g.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	top := matches[0]
	query, _, err := g.index.Query(ctx, top.ID)
	if err != nil {
		return nil, fmt.Errorf("vector query lookup: %w", err)
	}
	return &Candidate{ID: top.ID, Similarity: top.Similarity, Query: query}, nil
}

// StoreSemantic writes a new L2 record and its vector entry with the same ttl
// and returns the new id. When the index and the store share a Redis client
// both halves go out in one transaction. Otherwise the vector write is
// retried and, if it still fails, the response record is removed again.
func (g *Gateway) StoreSemantic(ctx context.Context, query, response string, vec []float32, ttl time.Duration) (string, error) {
	id := g.newID()
	entry := vector.Entry{ID: id, Query: query, Vector: vec, TTL: ttl}

	if pw, ok := g.index.(vector.PairedWriter); ok {
		if q, ok := g.store.(keyQualifier); ok {
			if err := pw.UpsertPaired(ctx, entry, q.Key(L2Key(id)), response); err != nil {
				return "", fmt.Errorf("l2 paired write: %w", err)
			}
			return id, nil
		}
	}

	if err := vector.CheckDimension(vec, g.index.Dimension()); err != nil {
		return "", err
	}
	if err := g.store.Set(ctx, L2Key(id), response, ttl); err != nil {
		return "", fmt.Errorf("l2 set: %w", err)
	}

	err := g.retry.Execute(ctx, func(ctx context.Context) error {
		return g.index.Upsert(ctx, entry)
	})
	if err == nil {
		return id, nil
	}

	if delErr := g.store.Delete(ctx, L2Key(id)); delErr != nil {
		g.logger.Error("failed to remove orphan l2 record", "cache_id", id, "error", delErr)
		err = errors.Join(err, delErr)
	}
	return "", fmt.Errorf("vector upsert: %w", err)
}

// Flush removes every cache record and metric and recreates the vector index.
func (g *Gateway) Flush(ctx context.Context) error {
	if err := g.store.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}
	if err := g.index.Reset(ctx); err != nil {
		return fmt.Errorf("reset vector index: %w", err)
	}
	return nil
}

// Ping checks both backends.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("kv store: %w", err)
	}
	if err := g.index.Ping(ctx); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	return nil
}

// Close closes the index, then the store.
func (g *Gateway) Close() error {
	return errors.Join(g.index.Close(), g.store.Close())
}
