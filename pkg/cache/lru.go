// Package cache provides an in-memory LRU cache with TTL for rendered
// report exports and KPI responses.
package cache

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// entry holds a cached response with its expiration time and insertion order.
type entry struct {
	value       []byte
	contentType string
	expiresAt   time.Time
	insertedAt  time.Time
}

// LRUCache is a thread-safe in-memory cache with TTL and max-size eviction.
// When the cache reaches maxSize, the oldest entry (by insertion time) is
// evicted to make room for new entries. Expired entries are lazily evicted
// on Get.
type LRUCache struct {
	mu      sync.RWMutex
	items   map[string]*entry
	maxSize int
	ttl     time.Duration
	clock   clock.PassiveClock
}

// NewLRUCache creates a new LRU cache with the given maximum size and TTL.
// maxSize must be >= 1; ttl must be > 0. A nil clock means wall time.
func NewLRUCache(maxSize int, ttl time.Duration, clk clock.PassiveClock) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LRUCache{
		items:   make(map[string]*entry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clk,
	}
}

// Get retrieves a cached value by key. Returns (nil, false) if the key is
// missing or expired. Expired entries are lazily deleted.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	value, _, ok := c.GetWithType(key)
	return value, ok
}

// GetWithType is Get that also returns the stored content type.
func (c *LRUCache) GetWithType(key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, "", false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.items, key)
		return nil, "", false
	}
	return e.value, e.contentType, true
}

// Set stores a JSON value in the cache.
func (c *LRUCache) Set(key string, value []byte) {
	c.SetWithType(key, value, "application/json")
}

// SetWithType stores a value and its content type. If the cache is at
// capacity, the oldest entry (by insertion time) is evicted first.
func (c *LRUCache) SetWithType(key string, value []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = &entry{
		value:       value,
		contentType: contentType,
		expiresAt:   now.Add(c.ttl),
		insertedAt:  now,
	}
}

// Invalidate removes a specific key from the cache.
func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidateAll removes all entries from the cache.
func (c *LRUCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry, c.maxSize)
}

// Size returns the number of entries currently in the cache (including
// potentially expired ones that haven't been lazily cleaned).
func (c *LRUCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictOldest removes the entry with the oldest insertedAt timestamp.
// Must be called with c.mu held.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for k, e := range c.items {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.insertedAt
			first = false
		}
	}

	if !first {
		delete(c.items, oldestKey)
	}
}
