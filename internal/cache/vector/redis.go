package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldCacheID   = "cache_id"
	fieldQuery     = "query"
	fieldEmbedding = "embedding"
	fieldDistance  = "distance"
)

// RedisIndex implements Index on top of RediSearch HNSW vector fields.
// Each entry is a hash at <namespace>:vec:{<id>} holding the cache id,
// the query text and the FLOAT32 embedding blob.
type RedisIndex struct {
	client    goredis.UniversalClient
	index     string
	prefix    string
	dimension int
	metric    string
}

// RedisConfig holds configuration for RedisIndex.
type RedisConfig struct {
	Index          string `yaml:"index"`           // RediSearch index name
	Prefix         string `yaml:"prefix"`          // Hash key prefix, namespace included
	Dimension      int    `yaml:"dimension"`       // Vector dimension
	DistanceMetric string `yaml:"distance_metric"` // COSINE (default), IP, L2
}

// DefaultRedisConfig returns sensible defaults for 1536-dim OpenAI embeddings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Index:          "idx:cache_vectors",
		Prefix:         "tiercache:vec:",
		Dimension:      1536,
		DistanceMetric: "COSINE",
	}
}

// NewRedisIndex creates a RediSearch-backed index using client.
// The client must speak RESP2; see kv.NewRedisClient.
func NewRedisIndex(client goredis.UniversalClient, cfg RedisConfig) (*RedisIndex, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	def := DefaultRedisConfig()
	if cfg.Index == "" {
		cfg.Index = def.Index
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.DistanceMetric == "" {
		cfg.DistanceMetric = def.DistanceMetric
	}

	return &RedisIndex{
		client:    client,
		index:     cfg.Index,
		prefix:    cfg.Prefix,
		dimension: cfg.Dimension,
		metric:    strings.ToUpper(cfg.DistanceMetric),
	}, nil
}

// Key returns the hash key of the entry with id. The id is wrapped in a hash
// tag so the entry and its paired response land in the same cluster slot.
func (r *RedisIndex) Key(id string) string {
	return r.prefix + "{" + id + "}"
}

// EnsureIndex creates the index if it doesn't exist.
func (r *RedisIndex) EnsureIndex(ctx context.Context) error {
	err := r.client.FTCreate(ctx, r.index,
		&goredis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{r.prefix},
		},
		&goredis.FieldSchema{
			FieldName: fieldCacheID,
			FieldType: goredis.SearchFieldTypeTag,
		},
		&goredis.FieldSchema{
			FieldName: fieldEmbedding,
			FieldType: goredis.SearchFieldTypeVector,
			VectorArgs: &goredis.FTVectorArgs{
				HNSWOptions: &goredis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            r.dimension,
					DistanceMetric: r.metric,
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return fmt.Errorf("create vector index %s: %w", r.index, err)
	}
	return nil
}

// Upsert stores the entry hash and sets its expiration in one transaction.
func (r *RedisIndex) Upsert(ctx context.Context, entry Entry) error {
	if err := CheckDimension(entry.Vector, r.dimension); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		r.queueUpsert(ctx, pipe, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("vector upsert: %w", err)
	}
	return nil
}

// UpsertPaired stores the entry together with a string value at key (a fully
// qualified Redis key) in a single MULTI/EXEC, so neither half can exist
// without the other.
func (r *RedisIndex) UpsertPaired(ctx context.Context, entry Entry, key, value string) error {
	if err := CheckDimension(entry.Vector, r.dimension); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, value, entry.TTL)
		r.queueUpsert(ctx, pipe, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("paired upsert: %w", err)
	}
	return nil
}

func (r *RedisIndex) queueUpsert(ctx context.Context, pipe goredis.Pipeliner, entry Entry) {
	key := r.Key(entry.ID)
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldCacheID:   entry.ID,
		fieldQuery:     entry.Query,
		fieldEmbedding: PackFloat32(entry.Vector),
	})
	if entry.TTL > 0 {
		pipe.Expire(ctx, key, entry.TTL)
	}
}

// Search runs a KNN query and returns matches ordered by ascending distance.
func (r *RedisIndex) Search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if err := CheckDimension(vec, r.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 1
	}

	query := fmt.Sprintf("*=>[KNN %d @%s $vec AS %s]", k, fieldEmbedding, fieldDistance)
	res, err := r.client.FTSearchWithArgs(ctx, r.index, query, &goredis.FTSearchOptions{
		Return: []goredis.FTSearchReturn{
			{FieldName: fieldCacheID},
			{FieldName: fieldDistance},
		},
		SortBy:         []goredis.FTSearchSortBy{{FieldName: fieldDistance, Asc: true}},
		Params:         map[string]interface{}{"vec": PackFloat32(vec)},
		DialectVersion: 2,
		Limit:          k,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	return r.parseDocs(res.Docs), nil
}

func (r *RedisIndex) parseDocs(docs []goredis.Document) []Match {
	matches := make([]Match, 0, len(docs))
	for _, doc := range docs {
		distance, err := strconv.ParseFloat(doc.Fields[fieldDistance], 64)
		if err != nil {
			continue
		}
		id := doc.Fields[fieldCacheID]
		if id == "" {
			id = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(doc.ID, r.prefix), "{"), "}")
		}
		matches = append(matches, Match{
			ID:         id,
			Similarity: SimilarityFromDistance(distance),
			Distance:   distance,
		})
	}
	return matches
}

// Query returns the query text stored with id.
func (r *RedisIndex) Query(ctx context.Context, id string) (string, bool, error) {
	val, err := r.client.HGet(ctx, r.Key(id), fieldQuery).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("vector query lookup: %w", err)
	}
	return val, true, nil
}

// Delete removes the entry hash.
func (r *RedisIndex) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.Key(id)).Err(); err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	return nil
}

// Reset drops the index with its documents and recreates it.
func (r *RedisIndex) Reset(ctx context.Context) error {
	err := r.client.FTDropIndexWithArgs(ctx, r.index, &goredis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil && !isUnknownIndex(err) {
		return fmt.Errorf("drop vector index %s: %w", r.index, err)
	}
	return r.EnsureIndex(ctx)
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}

// Dimension returns the vector dimension.
func (r *RedisIndex) Dimension() int {
	return r.dimension
}

// Ping checks Redis connectivity.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the KV store.
func (r *RedisIndex) Close() error {
	return nil
}
