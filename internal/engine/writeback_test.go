package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiercache/internal/cache"
	"github.com/blueberrycongee/tiercache/internal/risk"
)

func newTestWriteback(env *testEnv, classifier *mockClassifier) *Writeback {
	return NewWriteback(WritebackDeps{
		Cache:      env.gateway,
		Embedder:   env.embedder,
		Classifier: classifier,
	})
}

func TestApply_NoOps(t *testing.T) {
	tests := []struct {
		name string
		d    *Decision
	}{
		{name: "nil decision", d: nil},
		{name: "high risk generation", d: &Decision{Source: SourceLLM, Risk: risk.LevelHigh, Response: "sunny", Embedding: []float32{1, 0, 0, 0}}},
		{name: "high risk l2", d: &Decision{Source: SourceL2, Risk: risk.LevelHigh, CacheID: "abc"}},
		{name: "l1 hit", d: &Decision{Source: SourceL1, Risk: risk.LevelLow, Response: "cached"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := &mockCache{}
			mcl := &mockClassifier{}
			emb := &tableEmbedder{vectors: testVectors}

			w := NewWriteback(WritebackDeps{Cache: mc, Embedder: emb, Classifier: mcl})
			w.Apply(context.Background(), "q", tt.d)

			mc.AssertExpectations(t)
			mcl.AssertExpectations(t)
			assert.Zero(t, emb.calls.Load())
		})
	}
}

func TestApply_StoresGeneration(t *testing.T) {
	env := newTestEnv(t)
	mcl := &mockClassifier{}
	w := newTestWriteback(env, mcl)
	ctx := context.Background()

	q := "Who is the best soccer player?"
	mcl.On("ClassifyDuration", mock.Anything, q).Return(3*time.Hour, nil).Once()

	w.Apply(ctx, q, &Decision{Source: SourceLLM, Risk: risk.LevelLow, Response: "Messi", Embedding: testVectors[q]})

	val, ok, err := env.gateway.GetL1(ctx, q)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Messi", val)

	ttl, ok, err := env.store.TTL(ctx, cache.L1Key(q))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Hour, ttl)

	require.Equal(t, 1, env.index.Len())
	cand, err := env.gateway.BestMatch(ctx, testVectors[q], 5)
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, q, cand.Query)
	assert.Len(t, cand.ID, 32)

	l2, ok, err := env.gateway.GetL2(ctx, cand.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Messi", l2)

	l2TTL, ok, err := env.gateway.L2TTL(ctx, cand.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Hour, l2TTL)

	// Embedding was carried on the decision.
	assert.Zero(t, env.embedder.calls.Load())
	mcl.AssertExpectations(t)
}

func TestApply_ComputesMissingEmbedding(t *testing.T) {
	env := newTestEnv(t)
	mcl := &mockClassifier{}
	w := newTestWriteback(env, mcl)

	q := "How do volcanoes form?"
	mcl.On("ClassifyDuration", mock.Anything, q).Return(12*time.Hour, nil)

	w.Apply(context.Background(), q, &Decision{Source: SourceLLM, Risk: risk.LevelLow, Response: "magma", ForceRefresh: true})

	assert.Equal(t, int32(1), env.embedder.calls.Load())
	assert.Equal(t, 1, env.index.Len())
}

func TestApply_InvalidTTLFallsBackToDefault(t *testing.T) {
	for _, returned := range []time.Duration{0, 5000 * time.Second, -time.Hour, 24 * time.Hour} {
		t.Run(returned.String(), func(t *testing.T) {
			env := newTestEnv(t)
			mcl := &mockClassifier{}
			w := newTestWriteback(env, mcl)
			ctx := context.Background()

			q := "Who is the best soccer player?"
			mcl.On("ClassifyDuration", mock.Anything, q).Return(returned, nil)

			w.Apply(ctx, q, &Decision{Source: SourceLLM, Risk: risk.LevelLow, Response: "Messi", Embedding: testVectors[q]})

			ttl, ok, err := env.store.TTL(ctx, cache.L1Key(q))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 3600*time.Second, ttl)
		})
	}
}

func TestApply_PromotionKeepsRemainingTTL(t *testing.T) {
	env := newTestEnv(t)
	w := newTestWriteback(env, &mockClassifier{})
	ctx := context.Background()

	prime := "Who is the best soccer player?"
	id, err := env.gateway.StoreSemantic(ctx, prime, "Messi", testVectors[prime], time.Hour)
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)

	para := "Who is one of the best soccer players?"
	w.Apply(ctx, para, &Decision{Source: SourceL2, Risk: risk.LevelLow, Response: "Messi", CacheID: id})

	val, ok, err := env.gateway.GetL1(ctx, para)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Messi", val)

	ttl, ok, err := env.store.TTL(ctx, cache.L1Key(para))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Minute, ttl)

	// The L2 record keeps its own expiration.
	l2TTL, ok, err := env.gateway.L2TTL(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Minute, l2TTL)
}

func TestApply_PromotionOfExpiredRecordIsNoop(t *testing.T) {
	env := newTestEnv(t)
	w := newTestWriteback(env, &mockClassifier{})
	ctx := context.Background()

	prime := "Who is the best soccer player?"
	id, err := env.gateway.StoreSemantic(ctx, prime, "Messi", testVectors[prime], time.Minute)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)

	para := "Who is one of the best soccer players?"
	w.Apply(ctx, para, &Decision{Source: SourceL2, Risk: risk.LevelLow, Response: "Messi", CacheID: id})

	_, ok, err := env.gateway.GetL1(ctx, para)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApply_ErrorsAreSwallowed(t *testing.T) {
	boom := errors.New("redis unavailable")

	t.Run("classifier failure abandons writeback", func(t *testing.T) {
		env := newTestEnv(t)
		mcl := &mockClassifier{}
		w := newTestWriteback(env, mcl)
		ctx := context.Background()

		q := "Who is the best soccer player?"
		mcl.On("ClassifyDuration", mock.Anything, q).Return(time.Duration(0), boom)

		assert.NotPanics(t, func() {
			w.Apply(ctx, q, &Decision{Source: SourceLLM, Risk: risk.LevelLow, Response: "Messi", Embedding: testVectors[q]})
		})

		_, ok, err := env.gateway.GetL1(ctx, q)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, env.index.Len())
	})

	t.Run("l1 write failure skips l2", func(t *testing.T) {
		mc := &mockCache{}
		mcl := &mockClassifier{}
		vec := []float32{1, 0, 0, 0}

		mcl.On("ClassifyDuration", mock.Anything, "q").Return(time.Hour, nil)
		mc.On("SetL1", mock.Anything, "q", "a", time.Hour).Return(boom)

		w := NewWriteback(WritebackDeps{Cache: mc, Classifier: mcl})
		w.Apply(context.Background(), "q", &Decision{Source: SourceLLM, Risk: risk.LevelLow, Response: "a", Embedding: vec})

		mc.AssertExpectations(t)
		mc.AssertNotCalled(t, "StoreSemantic", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ttl read failure", func(t *testing.T) {
		mc := &mockCache{}
		mc.On("L2TTL", mock.Anything, "abc").Return(time.Duration(0), false, boom)

		w := NewWriteback(WritebackDeps{Cache: mc})
		w.Apply(context.Background(), "q", &Decision{Source: SourceL2, Risk: risk.LevelLow, CacheID: "abc"})

		mc.AssertExpectations(t)
		mc.AssertNotCalled(t, "SetL1", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
