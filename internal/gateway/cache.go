package gateway

import (
	"context"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	val     V
	fetched time.Time
}

// ttlCache is a read-mostly map with two horizons: entries younger than ttl
// are fresh, entries younger than maxAge are stale but servable, older ones
// are gone. Writes replace whole entries, so readers never observe partial
// state.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	maxAge  time.Duration
}

func newTTLCache[V any](ttl, maxAge time.Duration) *ttlCache[V] {
	if maxAge < ttl {
		maxAge = ttl
	}
	return &ttlCache[V]{
		entries: map[string]cacheEntry[V]{},
		ttl:     ttl,
		maxAge:  maxAge,
	}
}

// get returns the cached value with its freshness. present is false once the
// entry passed maxAge.
func (c *ttlCache[V]) get(key string) (val V, fresh, present bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return val, false, false
	}
	age := time.Since(e.fetched)
	if age > c.maxAge {
		return val, false, false
	}
	return e.val, age <= c.ttl, true
}

func (c *ttlCache[V]) put(key string, val V) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{val: val, fetched: time.Now()}
	c.mu.Unlock()
}

func (c *ttlCache[V]) drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// startGC evicts entries past maxAge until ctx ends.
func (c *ttlCache[V]) startGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-c.maxAge)
				c.mu.Lock()
				for k, e := range c.entries {
					if e.fetched.Before(cutoff) {
						delete(c.entries, k)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}
