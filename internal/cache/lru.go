package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AssignmentCache is a size-bounded, TTL-expiring cache for resolved variant
// assignments. Assignment is deterministic, so the cache only saves the hash
// and range walk on hot (user, experiment) pairs; a miss is always safe.
type AssignmentCache[K comparable] struct {
	cache  *lru.Cache[K, assignEntry]
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

type assignEntry struct {
	variant   string
	expiresAt time.Time
}

// NewAssignmentCache creates a cache bounded at size entries. A zero ttl
// disables expiration.
func NewAssignmentCache[K comparable](size int, ttl time.Duration) (*AssignmentCache[K], error) {
	c, err := lru.New[K, assignEntry](size)
	if err != nil {
		return nil, err
	}
	return &AssignmentCache[K]{cache: c, ttl: ttl}, nil
}

// Get returns the cached variant for key, if present and fresh.
func (c *AssignmentCache[K]) Get(key K) (string, bool) {
	e, ok := c.cache.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(e.expiresAt)) {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return e.variant, true
}

// Set stores a resolved assignment, evicting the least recently used entry
// when full.
func (c *AssignmentCache[K]) Set(key K, variant string) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(key, assignEntry{variant: variant, expiresAt: expiresAt})
}

// Purge drops all entries. Called when an experiment's split changes so
// stale assignments cannot be served.
func (c *AssignmentCache[K]) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached assignments.
func (c *AssignmentCache[K]) Len() int {
	return c.cache.Len()
}

// Stats reports hit/miss counters for observability.
func (c *AssignmentCache[K]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
