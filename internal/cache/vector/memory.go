package vector

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryIndex is a thread-safe in-memory vector index.
// It performs brute-force cosine similarity search. Expired entries are
// hidden from reads and dropped by the next search that runs into them.
type MemoryIndex struct {
	mu        sync.RWMutex
	entries   map[string]*memoryEntry
	dimension int
	now       func() time.Time
}

type memoryEntry struct {
	query     string
	vector    []float32
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryIndex creates an in-memory index of the given dimension.
// A nil now uses time.Now.
func NewMemoryIndex(dimension int, now func() time.Time) *MemoryIndex {
	if now == nil {
		now = time.Now
	}
	return &MemoryIndex{
		entries:   make(map[string]*memoryEntry),
		dimension: dimension,
		now:       now,
	}
}

// EnsureIndex is a no-op for the in-memory index.
func (m *MemoryIndex) EnsureIndex(context.Context) error {
	return nil
}

// Upsert stores or replaces the entry.
func (m *MemoryIndex) Upsert(_ context.Context, entry Entry) error {
	if err := CheckDimension(entry.Vector, m.dimension); err != nil {
		return err
	}

	vec := make([]float32, len(entry.Vector))
	copy(vec, entry.Vector)

	e := &memoryEntry{query: entry.Query, vector: vec}
	if entry.TTL > 0 {
		e.expiresAt = m.now().Add(entry.TTL)
	}

	m.mu.Lock()
	m.entries[entry.ID] = e
	m.mu.Unlock()
	return nil
}

// Search returns up to k live entries ordered by descending similarity.
func (m *MemoryIndex) Search(_ context.Context, vec []float32, k int) ([]Match, error) {
	if err := CheckDimension(vec, m.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 1
	}

	now := m.now()
	var expired []string
	m.mu.RLock()
	matches := make([]Match, 0, len(m.entries))
	for id, e := range m.entries {
		if e.expired(now) {
			expired = append(expired, id)
			continue
		}
		sim := CosineSimilarity(vec, e.vector)
		matches = append(matches, Match{ID: id, Similarity: sim, Distance: 1 - sim})
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.purge(expired, now)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// purge deletes the given ids that are still expired at now. An id upserted
// again since the search saw it is kept.
func (m *MemoryIndex) purge(ids []string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if e, ok := m.entries[id]; ok && e.expired(now) {
			delete(m.entries, id)
		}
	}
}

// Query returns the query text stored with id.
func (m *MemoryIndex) Query(_ context.Context, id string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return "", false, nil
	}
	return e.query, true, nil
}

// Delete removes an entry.
func (m *MemoryIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Reset removes every entry.
func (m *MemoryIndex) Reset(context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

// Len returns the number of live entries.
func (m *MemoryIndex) Len() int {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Dimension returns the vector dimension.
func (m *MemoryIndex) Dimension() int {
	return m.dimension
}

// Ping always succeeds.
func (m *MemoryIndex) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error {
	return nil
}
