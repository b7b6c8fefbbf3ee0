package vector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackFloat32(t *testing.T) {
	vec := []float32{0, 1, -1.5, 3.25}
	packed := PackFloat32(vec)
	assert.Len(t, packed, 16)
	// 1.0 as little-endian IEEE 754.
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, packed[4:8])

	got, err := UnpackFloat32(packed)
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = UnpackFloat32([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 0}))
}

func TestCheckDimension(t *testing.T) {
	require.NoError(t, CheckDimension([]float32{1, 2, 3}, 3))
	err := CheckDimension([]float32{1, 2}, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.InDelta(t, 0.95, SimilarityFromDistance(0.05), 1e-9)
}

func TestMemoryIndex_SearchOrdersBySimilarity(t *testing.T) {
	idx := NewMemoryIndex(2, nil)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Query: "east", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "b", Query: "north-east", Vector: []float32{1, 1}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "c", Query: "north", Vector: []float32{0, 1}}))

	matches, err := idx.Search(ctx, []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "b", matches[1].ID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
	assert.InDelta(t, 1-matches[0].Similarity, matches[0].Distance, 1e-9)

	q, ok, err := idx.Query(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "north-east", q)
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx := NewMemoryIndex(3, nil)
	ctx := context.Background()

	err := idx.Upsert(ctx, Entry{ID: "x", Vector: []float32{1, 2}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Search(ctx, []float32{1}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 3, idx.Dimension())
}

func TestMemoryIndex_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	idx := NewMemoryIndex(2, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "short", Query: "q", Vector: []float32{1, 0}, TTL: time.Minute}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "forever", Query: "p", Vector: []float32{0, 1}}))

	now = now.Add(2 * time.Minute)

	matches, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "forever", matches[0].ID)

	_, ok, err := idx.Query(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryIndex_DeleteAndReset(t *testing.T) {
	idx := NewMemoryIndex(2, nil)
	ctx := context.Background()

	require.NoError(t, idx.EnsureIndex(ctx))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "b", Vector: []float32{0, 1}}))

	require.NoError(t, idx.Delete(ctx, "a"))
	assert.Equal(t, 1, idx.Len())

	require.NoError(t, idx.Reset(ctx))
	assert.Equal(t, 0, idx.Len())

	matches, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.NoError(t, idx.Ping(ctx))
	assert.NoError(t, idx.Close())
}

func storedEntries(m *MemoryIndex) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func TestMemoryIndex_PurgesExpiredEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	idx := NewMemoryIndex(2, func() time.Time { return now })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, idx.Upsert(ctx, Entry{ID: id, Vector: []float32{1, 0}, TTL: time.Minute}))
	}
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "forever", Vector: []float32{0, 1}}))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, idx.Len(), "expired entries are not counted")
	assert.Equal(t, 4, storedEntries(idx))

	_, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, storedEntries(idx), "search drops expired entries")

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}, TTL: time.Minute}))
	idx.purge([]string{"a"}, now)
	assert.Equal(t, 2, storedEntries(idx), "re-upserted entry survives a stale purge")
}
