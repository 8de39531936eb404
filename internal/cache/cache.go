// Package cache implements the version-gated LRU+TTL response cache that
// sits in front of the read API. Every entry is stamped with the
// composite dataset-version string active at insert time; a lookup whose
// stored version no longer matches the current composite is evicted and
// treated as a miss rather than served stale, so no explicit invalidation
// needs to be broadcast anywhere.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry wraps a cached response with the composite version it was computed
// under and the wall-clock deadline past which it expires regardless of
// version.
type entry struct {
	value     []byte
	version   string
	expiresAt time.Time
}

// Cache is a size-bounded LRU keyed by filter fingerprint, version-gated on
// lookup, backed by a real LRU eviction policy rather than a hand-rolled
// map+mutex+TTL.
type Cache struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration
}

// New constructs a Cache holding at most maxEntries, each entry's TTL
// floor ttl regardless of version validity.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	l, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: ttl}, nil
}

// Get returns the cached value for key if present, unexpired, and still
// stamped with currentVersion. A version mismatch evicts the entry and
// reports a miss: a cache hit requires the stored version to equal the
// current composite version at lookup time.
func (c *Cache) Get(key, currentVersion string) ([]byte, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) || e.version != currentVersion {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set inserts value under key, stamped with version and expiring after the
// cache's configured TTL.
func (c *Cache) Set(key string, value []byte, version string) {
	c.lru.Add(key, entry{
		value:     value,
		version:   version,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Len reports the current number of entries, for tests and operator tooling.
func (c *Cache) Len() int { return c.lru.Len() }
