package vector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/tiercache/internal/httputil"
)

// QdrantIndex implements Index using the Qdrant REST API.
// Qdrant has no per-point expiry, so TTLs are stored as an expires_at
// payload field and filtered out at query time.
// Reference: https://qdrant.tech/documentation/concepts/search/
type QdrantIndex struct {
	client     *http.Client
	apiBase    string
	apiKey     string
	collection string
	dimension  int
	now        func() time.Time
}

// QdrantConfig holds configuration for QdrantIndex.
type QdrantConfig struct {
	APIBase    string        `yaml:"api_base"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Dimension  int           `yaml:"dimension"`
	Timeout    time.Duration `yaml:"timeout"`

	// Now overrides the clock used for expiry; nil uses time.Now.
	Now func() time.Time `yaml:"-"`
}

// NewQdrantIndex creates a new Qdrant-backed index.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("qdrant api_base is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &QdrantIndex{
		client:     &http.Client{Timeout: cfg.Timeout},
		apiBase:    cfg.APIBase,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		now:        cfg.Now,
	}, nil
}

// EnsureIndex creates the collection with cosine distance if it doesn't exist.
func (q *QdrantIndex) EnsureIndex(ctx context.Context) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, q.collectionURL()+"/exists", nil, &exists); err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists.Result.Exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionURL(), body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// Upsert stores a point keyed by the cache id. Qdrant only accepts UUID or
// integer point ids and always reports UUIDs hyphenated, so the cache id is
// also kept in the payload and handed back verbatim by Search.
func (q *QdrantIndex) Upsert(ctx context.Context, entry Entry) error {
	if err := CheckDimension(entry.Vector, q.dimension); err != nil {
		return err
	}

	point := qdrantPoint{
		ID:      pointID(entry.ID),
		Vector:  entry.Vector,
		Payload: qdrantPayload{CacheID: entry.ID, Query: entry.Query},
	}
	if entry.TTL > 0 {
		point.Payload.ExpiresAt = q.now().Add(entry.TTL).Unix()
	}

	body := map[string]any{"points": []qdrantPoint{point}}
	if err := q.do(ctx, http.MethodPut, q.collectionURL()+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Search finds the k nearest live points.
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if err := CheckDimension(vec, q.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 1
	}

	body := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
		"filter":       q.liveFilter(),
	}

	var resp struct {
		Result []struct {
			ID      string        `json:"id"`
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionURL()+"/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	// Qdrant reports cosine similarity as score.
	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		id := r.Payload.CacheID
		if id == "" {
			id = r.ID
		}
		matches = append(matches, Match{
			ID:         id,
			Similarity: r.Score,
			Distance:   1 - r.Score,
		})
	}
	return matches, nil
}

// liveFilter matches points without expiry or expiring after now.
func (q *QdrantIndex) liveFilter() map[string]any {
	return map[string]any{
		"should": []any{
			map[string]any{"is_empty": map[string]any{"key": "expires_at"}},
			map[string]any{"key": "expires_at", "range": map[string]any{"gt": q.now().Unix()}},
		},
	}
}

// Query returns the query text stored with id.
func (q *QdrantIndex) Query(ctx context.Context, id string) (string, bool, error) {
	var resp struct {
		Result *struct {
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodGet, q.collectionURL()+"/points/"+pointID(id), nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get point: %w", err)
	}
	if resp.Result == nil {
		return "", false, nil
	}
	p := resp.Result.Payload
	if p.ExpiresAt > 0 && p.ExpiresAt <= q.now().Unix() {
		return "", false, nil
	}
	return p.Query, true, nil
}

// Delete removes a point.
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	body := map[string]any{"points": []string{pointID(id)}}
	if err := q.do(ctx, http.MethodPost, q.collectionURL()+"/points/delete?wait=true", body, nil); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Reset deletes the collection and creates it again.
func (q *QdrantIndex) Reset(ctx context.Context) error {
	err := q.do(ctx, http.MethodDelete, q.collectionURL(), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete collection: %w", err)
	}
	return q.EnsureIndex(ctx)
}

// Dimension returns the vector dimension.
func (q *QdrantIndex) Dimension() int {
	return q.dimension
}

// Ping checks if Qdrant is healthy.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	if err := q.do(ctx, http.MethodGet, q.apiBase+"/collections", nil, nil); err != nil {
		return fmt.Errorf("qdrant ping: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (q *QdrantIndex) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

func (q *QdrantIndex) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", q.apiBase, q.collection)
}

type qdrantStatusError struct {
	status int
	body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("status=%d, body=%s", e.status, e.body)
}

func isNotFound(err error) bool {
	var statusErr *qdrantStatusError
	return errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound
}

func (q *QdrantIndex) do(ctx context.Context, method, url string, in, out any) error {
	var reader *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, http.NoBody)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &qdrantStatusError{status: resp.StatusCode, body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantPayload struct {
	CacheID   string `json:"cache_id,omitempty"`
	Query     string `json:"query"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// pointID returns the canonical hyphenated form of a UUID id, in any of the
// spellings uuid.Parse accepts. Other ids pass through unchanged.
func pointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}
