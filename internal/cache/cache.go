// Package cache holds connection descriptors for the lifetime of the process.
//
// Entries are filled from the descriptor store on first miss and are never
// evicted or refreshed. Rotated credentials only take effect after an
// explicit Invalidate or a restart.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"dashgate/internal/logger"
	"dashgate/internal/observability"
	"dashgate/pkg/config"
)

// FetchFunc loads a descriptor from the persistent store.
type FetchFunc func(ctx context.Context, id string) (config.Descriptor, error)

// Cache maps connection ids to descriptors. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]config.Descriptor
	group   singleflight.Group
}

func New() *Cache {
	return &Cache{entries: make(map[string]config.Descriptor)}
}

// Get returns the cached descriptor for id.
func (c *Cache) Get(id string) (config.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[id]
	return d, ok
}

// Set stores d under id, replacing any previous entry wholesale.
func (c *Cache) Set(id string, d config.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = d
}

// Invalidate drops the entry for id so the next Resolve reads the store again.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Resolve returns the descriptor for id, calling fetch on a miss. Concurrent
// misses for the same id share a single fetch. Failed fetches are not cached.
func (c *Cache) Resolve(ctx context.Context, id string, fetch FetchFunc) (config.Descriptor, error) {
	if d, ok := c.Get(id); ok {
		observability.IncrementCacheHit()
		return d, nil
	}
	observability.IncrementCacheMiss()

	v, err, _ := c.group.Do(id, func() (any, error) {
		if d, ok := c.Get(id); ok {
			return d, nil
		}
		d, err := fetch(ctx, id)
		if err != nil {
			return config.Descriptor{}, err
		}
		c.Set(id, d)
		logger.Debug("cached connection descriptor %s (%s)", id, d.Type)
		return d, nil
	})
	if err != nil {
		return config.Descriptor{}, err
	}
	return v.(config.Descriptor), nil
}
