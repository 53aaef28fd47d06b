package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry is a single L1 cache entry. Values are treated as immutable
// once stored.
type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// MemoryTier is the in-process L1 tier: a doubly-linked list plus hash map
// LRU with per-entry TTL. All operations take a single lock; Get on a hit
// promotes the entry to the head, Set beyond capacity evicts the tail.
type MemoryTier struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	ll         *list.List // front = most recently used
	items      map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time
}

// NewMemoryTier creates an L1 tier bounded at maxSize entries.
func NewMemoryTier(maxSize int, defaultTTL time.Duration) *MemoryTier {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &MemoryTier{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (m *MemoryTier) ID() TierID { return TierL1 }

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}

	entry := el.Value.(*memoryEntry)
	if entry.expired(m.now()) {
		// Lazy expiry on access.
		m.removeElement(el)
		m.misses++
		return nil, false
	}

	m.ll.MoveToFront(el)
	m.hits++
	return entry.value, true
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.createdAt = m.now()
		entry.ttl = ttl
		m.ll.MoveToFront(el)
		return
	}

	if m.ll.Len() >= m.maxSize {
		// Evict the least-recently-used entry before inserting.
		if tail := m.ll.Back(); tail != nil {
			m.removeElement(tail)
			m.evictions++
		}
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		createdAt: m.now(),
		ttl:       ttl,
	}
	m.items[key] = m.ll.PushFront(entry)
}

func (m *MemoryTier) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
}

func (m *MemoryTier) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ll.Init()
	m.items = make(map[string]*list.Element)
}

// Sweep removes every expired entry. Expired entries removed here are not
// counted as evictions; eviction counts capacity pressure only.
func (m *MemoryTier) Sweep(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, el := range m.items {
		if el.Value.(*memoryEntry).expired(now) {
			m.removeElement(el)
		}
	}
}

func (m *MemoryTier) Stats() TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return TierStats{
		Tier:      TierL1,
		Size:      m.ll.Len(),
		MaxSize:   m.maxSize,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
}

func (m *MemoryTier) Close() error { return nil }

// removeElement must be called with the lock held.
func (m *MemoryTier) removeElement(el *list.Element) {
	m.ll.Remove(el)
	delete(m.items, el.Value.(*memoryEntry).key)
}
