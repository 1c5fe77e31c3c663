package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// LRUCache is the in-memory fallback: bounded entries, per-entry TTL,
// concurrent-safe. Used when no Redis address is configured.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits    int64
	misses  int64
	evicted int64

	now func() time.Time
}

type lruEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

// NewLRU creates an in-memory cache bounded to capacity entries.
func NewLRU(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the value for key when present and unexpired.
func (c *LRUCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false, nil
	}
	entry := elem.Value.(*lruEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return "", false, nil
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true, nil
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry when at capacity.
func (c *LRUCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evicted++
	}

	elem := c.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = elem
	return nil
}

// Delete removes a single key.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *LRUCache) InvalidatePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		if strings.HasPrefix(elem.Value.(*lruEntry).key, prefix) {
			c.removeLocked(elem)
		}
	}
	return nil
}

// Stats returns the cache counters.
func (c *LRUCache) Stats(_ context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: int64(len(c.entries)),
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evicted,
	}, nil
}

// Close is a no-op for the in-memory cache.
func (c *LRUCache) Close() error { return nil }

func (c *LRUCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}
