package cache

import (
	"sync"
	"time"
)

// Stats reports the cache's hit behavior.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
	HitRatio  float64
}

// ValueCache is an LRU cache with per-item TTL, used as a read cache in
// front of the storage engine's get path. Values are copied in and out so
// callers cannot alias cached bytes.
type ValueCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*entry
	head     *entry // most recently used
	tail     *entry

	hits      int64
	misses    int64
	evictions int64
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
	prev      *entry
	next      *entry
}

// New creates a value cache holding up to capacity items, each living for
// ttl (zero disables expiry).
func New(capacity int, ttl time.Duration) *ValueCache {
	if capacity <= 0 {
		capacity = 1000
	}

	c := &ValueCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns a copy of the cached value for key, if present and fresh.
func (c *ValueCache) Get(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[string(key)]
	if !ok {
		c.misses++
		return nil, false
	}

	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.unlink(e)
		delete(c.items, e.key)
		c.misses++
		return nil, false
	}

	c.moveToFront(e)
	c.hits++

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Put stores a copy of value under key, evicting the least recently used
// item when over capacity.
func (c *ValueCache) Put(key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if e, ok := c.items[string(key)]; ok {
		e.value = stored
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &entry{key: string(key), value: stored, expiresAt: expiresAt}
	c.pushFront(e)
	c.items[e.key] = e

	if len(c.items) > c.capacity {
		lru := c.tail.prev
		c.unlink(lru)
		delete(c.items, lru.key)
		c.evictions++
	}
}

// Invalidate drops the cached value for key, if any.
func (c *ValueCache) Invalidate(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[string(key)]; ok {
		c.unlink(e)
		delete(c.items, e.key)
	}
}

// Purge drops every cached value and resets counters.
func (c *ValueCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry)
	c.head.next = c.tail
	c.tail.prev = c.head
	c.hits = 0
	c.misses = 0
	c.evictions = 0
}

// RemoveExpired drops every item past its TTL. Called from the engine's
// background cleanup loop.
func (c *ValueCache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.unlink(e)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Stats returns a point-in-time view of the cache counters.
func (c *ValueCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
		Capacity:  c.capacity,
		HitRatio:  ratio,
	}
}

func (c *ValueCache) moveToFront(e *entry) {
	c.unlink(e)
	c.pushFront(e)
}

func (c *ValueCache) pushFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *ValueCache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}
