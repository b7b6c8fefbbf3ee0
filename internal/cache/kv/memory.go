package kv

import (
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store in process memory with TTL expiration.
// Expiring keys are tracked in a min-heap; keys without TTL (counters) are
// never evicted.
type MemoryStore struct {
	mu sync.RWMutex

	data map[string]*memoryEntry

	// Expiration heap (min-heap by expiration time)
	expirationHeap expirationHeap

	maxSize       int
	expiring      int // entries in data with an expiration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closed        atomic.Bool

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

type memoryEntry struct {
	value      string
	expiration int64 // Unix nano timestamp, 0 = never
}

// expirationEntry represents an entry in the expiration heap.
type expirationEntry struct {
	key        string
	expiration int64
	index      int
}

// expirationHeap implements heap.Interface for TTL-based eviction.
type expirationHeap []*expirationEntry

func (h expirationHeap) Len() int           { return len(h) }
func (h expirationHeap) Less(i, j int) bool { return h[i].expiration < h[j].expiration }
func (h expirationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expirationHeap) Push(x any) {
	n := len(*h)
	entry, ok := x.(*expirationEntry)
	if !ok {
		return
	}
	entry.index = n
	*h = append(*h, entry)
}

func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil // avoid memory leak
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}

// MemoryConfig holds configuration for MemoryStore.
type MemoryConfig struct {
	MaxSize         int           `yaml:"max_size"`         // Maximum number of expiring items (default: 10000)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Cleanup interval (default: 1 minute)

	// Now overrides the clock. Tests use it to move time forward.
	Now func() time.Time `yaml:"-"`
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxSize:         10000,
		CleanupInterval: time.Minute,
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &MemoryStore{
		data:           make(map[string]*memoryEntry),
		expirationHeap: make(expirationHeap, 0),
		maxSize:        cfg.MaxSize,
		now:            cfg.Now,
		stopCleanup:    make(chan struct{}),
	}
	heap.Init(&s.expirationHeap)

	s.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.mu.Lock()
			s.evictExpiredLocked(s.now().UnixNano())
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// evictExpiredLocked removes expired entries. Caller must hold mu.
func (s *MemoryStore) evictExpiredLocked(now int64) {
	for s.expirationHeap.Len() > 0 {
		top := s.expirationHeap[0]

		// Outdated heap entry (key was overwritten or deleted)
		if cur, ok := s.data[top.key]; !ok || cur.expiration != top.expiration {
			heap.Pop(&s.expirationHeap)
			continue
		}

		if top.expiration > now {
			return
		}
		heap.Pop(&s.expirationHeap)
		s.removeLocked(top.key)
	}
}

// evictForSpaceLocked drops the entries closest to expiry until there is room.
func (s *MemoryStore) evictForSpaceLocked() {
	for s.expirationHeap.Len() > 0 && s.expiring >= s.maxSize {
		top := heap.Pop(&s.expirationHeap).(*expirationEntry)
		if cur, ok := s.data[top.key]; ok && cur.expiration == top.expiration {
			s.removeLocked(top.key)
		}
	}
}

// putLocked replaces the entry for key and keeps the expiring count in step.
func (s *MemoryStore) putLocked(key string, e *memoryEntry) {
	if old, ok := s.data[key]; ok && old.expiration > 0 {
		s.expiring--
	}
	if e.expiration > 0 {
		s.expiring++
	}
	s.data[key] = e
}

func (s *MemoryStore) removeLocked(key string) {
	old, ok := s.data[key]
	if !ok {
		return
	}
	if old.expiration > 0 {
		s.expiring--
	}
	delete(s.data, key)
}

// liveLocked returns the entry for key if it exists and has not expired.
func (s *MemoryStore) liveLocked(key string, now int64) (*memoryEntry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expiration > 0 && e.expiration <= now {
		return nil, false
	}
	return e, true
}

// Get retrieves a value from the store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}

	s.mu.RLock()
	e, ok := s.liveLocked(key, s.now().UnixNano())
	var val string
	if ok {
		val = e.value
	}
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return "", false, nil
	}
	s.hits.Add(1)
	return val, true, nil
}

// Set stores a value in the store.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var expiration int64
	if ttl > 0 {
		expiration = s.now().Add(ttl).UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An expiring key that is overwritten keeps its slot.
	old, exists := s.data[key]
	reuse := exists && old.expiration > 0
	if expiration > 0 && !reuse && s.expiring >= s.maxSize {
		s.evictExpiredLocked(s.now().UnixNano())
		s.evictForSpaceLocked()
	}

	s.putLocked(key, &memoryEntry{value: value, expiration: expiration})
	if expiration > 0 {
		heap.Push(&s.expirationHeap, &expirationEntry{key: key, expiration: expiration})
	}

	s.sets.Add(1)
	return nil
}

// TTL returns the remaining time to live of key.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	if s.closed.Load() {
		return 0, false, ErrClosed
	}

	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.liveLocked(key, now.UnixNano())
	if !ok || e.expiration == 0 {
		return 0, false, nil
	}
	return time.Duration(e.expiration - now.UnixNano()), true, nil
}

// IncrBy atomically increments an integer counter.
func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	e, ok := s.liveLocked(key, s.now().UnixNano())
	if ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			s.errors.Add(1)
			return 0, fmt.Errorf("value at %q is not an integer", key)
		}
		cur = n
	}

	cur += delta
	s.storeCounterLocked(key, strconv.FormatInt(cur, 10), e, ok)
	return cur, nil
}

// IncrByFloat atomically increments a float counter.
func (s *MemoryStore) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur float64
	e, ok := s.liveLocked(key, s.now().UnixNano())
	if ok {
		f, err := strconv.ParseFloat(e.value, 64)
		if err != nil {
			s.errors.Add(1)
			return 0, fmt.Errorf("value at %q is not a float", key)
		}
		cur = f
	}

	cur += delta
	s.storeCounterLocked(key, strconv.FormatFloat(cur, 'f', -1, 64), e, ok)
	return cur, nil
}

// storeCounterLocked keeps any existing expiration, like Redis INCRBY.
func (s *MemoryStore) storeCounterLocked(key, value string, prev *memoryEntry, existed bool) {
	if existed {
		prev.value = value
		return
	}
	s.putLocked(key, &memoryEntry{value: value})
}

// Delete removes a key from the store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(key)
	return nil
}

// FlushAll removes all entries from the store.
func (s *MemoryStore) FlushAll(_ context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*memoryEntry)
	s.expiring = 0
	s.expirationHeap = make(expirationHeap, 0)
	heap.Init(&s.expirationHeap)
	return nil
}

// Ping reports ErrClosed after Close and nil otherwise.
func (s *MemoryStore) Ping(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cleanupTicker.Stop()
	close(s.stopCleanup)
	return nil
}

// Len returns the number of live items in the store.
func (s *MemoryStore) Len() int {
	now := s.now().UnixNano()

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.data {
		if e.expiration == 0 || e.expiration > now {
			n++
		}
	}
	return n
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() Stats {
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
