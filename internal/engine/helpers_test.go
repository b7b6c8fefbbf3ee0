package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/blueberrycongee/tiercache/internal/cache"
	"github.com/blueberrycongee/tiercache/internal/cache/kv"
	"github.com/blueberrycongee/tiercache/internal/cache/vector"
)

const testDim = 4

// Vectors chosen so the paraphrase sits at cosine 0.96 from the prime query.
var testVectors = map[string][]float32{
	"Who is the best soccer player?":         {1, 0, 0, 0},
	"Who is one of the best soccer players?": {0.96, 0.28, 0, 0},
	"How do volcanoes form?":                 {0, 0, 1, 0},
	"Explain plate tectonics":                {0, 0, 0.6, 0.8},
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type tableEmbedder struct {
	vectors map[string][]float32
	calls   atomic.Int32
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	v, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no test vector for %q", text)
	}
	return append([]float32(nil), v...), nil
}

func (e *tableEmbedder) Dimension() int { return testDim }

type mockGenerator struct{ mock.Mock }

func (m *mockGenerator) Generate(ctx context.Context, query string) (string, error) {
	args := m.Called(ctx, query)
	return args.String(0), args.Error(1)
}

type mockClassifier struct{ mock.Mock }

func (m *mockClassifier) ClassifyDuration(ctx context.Context, query string) (time.Duration, error) {
	args := m.Called(ctx, query)
	return args.Get(0).(time.Duration), args.Error(1)
}

type mockCache struct{ mock.Mock }

func (m *mockCache) GetL1(ctx context.Context, query string) (string, bool, error) {
	args := m.Called(ctx, query)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockCache) SetL1(ctx context.Context, query, response string, ttl time.Duration) error {
	return m.Called(ctx, query, response, ttl).Error(0)
}

func (m *mockCache) GetL2(ctx context.Context, id string) (string, bool, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockCache) L2TTL(ctx context.Context, id string) (time.Duration, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(time.Duration), args.Bool(1), args.Error(2)
}

func (m *mockCache) BestMatch(ctx context.Context, vec []float32, k int) (*cache.Candidate, error) {
	args := m.Called(ctx, vec, k)
	c, _ := args.Get(0).(*cache.Candidate)
	return c, args.Error(1)
}

func (m *mockCache) StoreSemantic(ctx context.Context, query, response string, vec []float32, ttl time.Duration) (string, error) {
	args := m.Called(ctx, query, response, vec, ttl)
	return args.String(0), args.Error(1)
}

type testEnv struct {
	clock     *testClock
	store     *kv.MemoryStore
	index     *vector.MemoryIndex
	gateway   *cache.Gateway
	embedder  *tableEmbedder
	generator *mockGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	store := kv.NewMemoryStore(kv.MemoryConfig{Now: clock.Now})
	t.Cleanup(func() { _ = store.Close() })
	index := vector.NewMemoryIndex(testDim, clock.Now)

	return &testEnv{
		clock:     clock,
		store:     store,
		index:     index,
		gateway:   cache.NewGateway(store, index),
		embedder:  &tableEmbedder{vectors: testVectors},
		generator: &mockGenerator{},
	}
}
