package rules

import (
	"sync"
	"time"
)

// InMemorySnapshotCache is a SnapshotCache backed by a single guarded pointer.
// Snapshots are never mutated after Set, so Get hands out the shared value.
type InMemorySnapshotCache struct {
	snapshot *Snapshot
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	now      func() time.Time
}

// NewInMemorySnapshotCache creates an empty cache.
func NewInMemorySnapshotCache(config CacheConfig) *InMemorySnapshotCache {
	return &InMemorySnapshotCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns the cached snapshot or nil.
func (c *InMemorySnapshotCache) Get() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil
	}
	return c.snapshot
}

// Set stores snapshot and restarts its TTL.
func (c *InMemorySnapshotCache) Set(snapshot *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = snapshot
	c.cachedAt = c.now()
}

// Invalidate clears the cache.
func (c *InMemorySnapshotCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = nil
}

// IsValid returns true if the cache holds an unexpired snapshot.
func (c *InMemorySnapshotCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.validLocked()
}

func (c *InMemorySnapshotCache) validLocked() bool {
	if c.snapshot == nil {
		return false
	}
	if c.config.TTL > 0 {
		return c.now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}
