// Package ttlcache is an in-process arena keyed by composite string ids with
// an explicit expiry per entry. Expired entries are invisible to readers and
// removed lazily on access or eagerly by Prune.
package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
	now   func() time.Time
}

// New returns an empty cache. A nil now defaults to time.Now.
func New[V any](now func() time.Time) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{items: make(map[string]entry[V]), now: now}
}

// Key joins parts into a composite key.
func Key(parts ...string) string {
	n := len(parts)
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '|')
		}
		b = append(b, p...)
	}
	return string(b)
}

// Set stores value until expiresAt. Entries already expired are not stored.
func (c *Cache[V]) Set(key string, value V, expiresAt time.Time) {
	if !expiresAt.After(c.now()) {
		return
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// SetTTL stores value for ttl from now.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.Set(key, value, c.now().Add(ttl))
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, _, ok := c.GetWithExpiry(key)
	return v, ok
}

// GetWithExpiry returns the live value and its expiry.
func (c *Cache[V]) GetWithExpiry(key string) (V, time.Time, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	if !e.expiresAt.After(c.now()) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.expiresAt, true
}

// Update applies fn to the current live value (zero value and false when
// absent) under the write lock and stores the result until expiresAt.
func (c *Cache[V]) Update(key string, fn func(cur V, ok bool) (V, time.Time)) V {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if ok && !e.expiresAt.After(now) {
		ok = false
		e = entry[V]{}
	}
	v, exp := fn(e.value, ok)
	if exp.After(now) {
		c.items[key] = entry[V]{value: v, expiresAt: exp}
	} else {
		delete(c.items, key)
	}
	return v
}

// Delete removes keys.
func (c *Cache[V]) Delete(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.items, k)
	}
	c.mu.Unlock()
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache[V]) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if !e.expiresAt.After(now) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len counts stored entries, including expired ones not yet pruned.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// SetIfAbsent stores value until expiresAt unless a live entry exists.
// It reports whether the value was stored.
func (c *Cache[V]) SetIfAbsent(key string, value V, expiresAt time.Time) bool {
	now := c.now()
	if !expiresAt.After(now) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok && e.expiresAt.After(now) {
		return false
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	return true
}

// Now returns the cache's clock reading.
func (c *Cache[V]) Now() time.Time { return c.now() }
