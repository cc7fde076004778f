package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheStats are atomic hit/miss/eviction/refresh counters.
type CacheStats struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Refreshes atomic.Int64
}

// RefreshFunc recomputes the value for key, used by Cache.GetOrRefresh
// when an entry is past its refresh-after point but not yet fully expired.
type RefreshFunc[K comparable, V any] func(key K) (V, error)

// Cache is a keyed store with a per-cache TTL, backed by an expirable LRU
// so that entries past TTL are never observable to readers (they are
// evicted by the underlying library's lazy-expiry-on-access plus an
// internal background sweep).
type Cache[K comparable, V any] struct {
	lru        *expirable.LRU[K, V]
	refreshTTL time.Duration
	stats      CacheStats

	mu          sync.Mutex
	lastFetched map[K]time.Time
}

// NewCache constructs a Cache holding at most size entries, each expiring
// ttl after insertion. refreshTTL, if non-zero, is the age at which
// GetOrRefresh will proactively recompute a value instead of serving the
// cached one, even though it has not yet expired.
func NewCache[K comparable, V any](size int, ttl, refreshTTL time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		lru:         expirable.NewLRU[K, V](size, nil, ttl),
		refreshTTL:  refreshTTL,
		lastFetched: make(map[K]time.Time),
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.stats.Hits.Add(1)
	} else {
		c.stats.Misses.Add(1)
	}
	return v, ok
}

// Set inserts or replaces the value for key.
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
	c.mu.Lock()
	c.lastFetched[key] = time.Now()
	c.mu.Unlock()
}

// Invalidate removes key unconditionally, used when the underlying data
// changes out from under the cache (e.g. an index edge is mutated).
func (c *Cache[K, V]) Invalidate(key K) {
	if c.lru.Remove(key) {
		c.stats.Evictions.Add(1)
	}
	c.mu.Lock()
	delete(c.lastFetched, key)
	c.mu.Unlock()
}

// GetOrRefresh returns the cached value for key, refreshing it via fn
// first if the cached entry is older than refreshTTL or absent.
func (c *Cache[K, V]) GetOrRefresh(key K, fn RefreshFunc[K, V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		c.mu.Lock()
		fetchedAt := c.lastFetched[key]
		c.mu.Unlock()
		if c.refreshTTL <= 0 || time.Since(fetchedAt) < c.refreshTTL {
			c.stats.Hits.Add(1)
			return v, nil
		}
		c.stats.Refreshes.Add(1)
	} else {
		c.stats.Misses.Add(1)
	}
	v, err := fn(key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache[K, V]) Stats() (hits, misses, evictions, refreshes int64) {
	return c.stats.Hits.Load(), c.stats.Misses.Load(), c.stats.Evictions.Load(), c.stats.Refreshes.Load()
}

// Len returns the number of entries currently cached.
func (c *Cache[K, V]) Len() int { return c.lru.Len() }
