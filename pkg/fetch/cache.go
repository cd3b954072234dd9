// Package fetch is the shared upstream access layer for all forecast
// providers. It owns the TTL cache, the per-provider rate-limit registry, and
// the jittered HTTP fetch so that individual providers only describe their
// endpoint and payload shape.
package fetch

import (
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	fetchedAt time.Time
	value     V
}

// Cache is a TTL cache bounded to a maximum number of entries. When full,
// the entry with the oldest fetch timestamp is evicted. All methods are safe
// for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry[V]
	maxEntries int
	now        func() time.Time
}

// NewCache returns a cache holding at most maxEntries values. maxEntries
// below 1 is treated as 1.
func NewCache[V any](maxEntries int) *Cache[V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache[V]{
		entries:    make(map[string]cacheEntry[V]),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// GetOrFetch returns the cached value for key if it was stored within ttl,
// otherwise calls fn and stores its result. When fn fails, any stale entry is
// left in place so Last can serve it.
func (c *Cache[V]) GetOrFetch(key string, ttl time.Duration, fn func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// Put stores a value, evicting the oldest entry if the cache is full.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, e := range c.entries {
			if first || e.fetchedAt.Before(oldest) {
				oldestKey, oldest = k, e.fetchedAt
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = cacheEntry[V]{fetchedAt: c.now(), value: v}
}

// Last returns the stored value for key regardless of TTL, with the time it
// was fetched. Callers use this as the stale fallback when the upstream is
// unreachable.
func (c *Cache[V]) Last(key string) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.fetchedAt, true
}
