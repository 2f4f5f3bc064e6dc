/*
cache.go - Shared token cache capability

The bearer token cache is an injected dependency, not a process-wide
singleton, so multiple agent instances and tests don't interfere. One
well-known key holds the token string with a TTL derived from the
partner-reported expiry minus a safety margin.
*/
package fulfillment

import (
	"sync"
	"time"
)

// TokenCache is the capability interface the agent needs.
type TokenCache interface {
	Get(key string) (string, bool)
	Set(key string, value string, ttl time.Duration)
	Delete(key string)
}

// =============================================================================
// MEMORY CACHE
// =============================================================================

type cacheEntry struct {
	value   string
	expires time.Time
}

// MemoryCache is a mutex-guarded TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), Now: time.Now}
}

func (c *MemoryCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.After(c.now()) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) Set(key string, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(ttl)}
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
