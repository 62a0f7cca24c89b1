// Package cache provides the TTL-bounded, size-bounded caches used for
// capability snapshots and resource reads. Entries expire after the
// configured TTL; when the cache is full the least recently used entry
// is evicted first.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default limits.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 1024
)

// Key identifies a cached value: which server, what kind of value
// ("tools", "resource", ...), and the capability id or uri.
type Key struct {
	Server string
	Kind   string
	ID     string
}

// Config sizes a cache. Zero values take the defaults.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

// Stats counts cache traffic.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Cache is a concurrency-safe TTL + LRU cache of V.
//
// The underlying expirable LRU runs a cleanup goroutine that cannot be
// stopped, so a Cache lives as long as the process. Create caches once
// per pool rather than per connection, and Close them on shutdown to
// release their entries.
type Cache[V any] struct {
	lru    *expirable.LRU[Key, V]
	closed atomic.Bool

	mu        sync.Mutex
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	c := &Cache[V]{}
	c.lru = expirable.NewLRU[Key, V](cfg.MaxSize, func(Key, V) {
		c.mu.Lock()
		c.evictions++
		c.mu.Unlock()
	}, cfg.TTL)
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key Key) (V, bool) {
	v, ok := c.lru.Get(key)
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	return v, ok
}

// Set stores a value, resetting its TTL. It does nothing after Close.
func (c *Cache[V]) Set(key Key, v V) {
	if c.closed.Load() {
		return
	}
	c.lru.Add(key, v)
}

// GetOrLoad returns the cached value for key or, on a miss, calls load
// and caches its result. Errors from load are not cached.
func (c *Cache[V]) GetOrLoad(key Key, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Invalidate drops a single key. Reports whether it was present.
func (c *Cache[V]) Invalidate(key Key) bool {
	return c.lru.Remove(key)
}

// InvalidateServer drops every entry belonging to server and returns
// how many were removed.
func (c *Cache[V]) InvalidateServer(server string) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if k.Server == server && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Purge empties the cache.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Close empties the cache and stops it taking new entries. Get and
// GetOrLoad keep working as misses. Close is idempotent.
func (c *Cache[V]) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns a traffic snapshot.
// Evictions include explicit invalidations.
func (c *Cache[V]) Stats() Stats {
	// The eviction callback runs under the LRU's lock and takes c.mu, so
	// never call into the LRU while holding c.mu.
	size := c.lru.Len()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      size,
	}
}
