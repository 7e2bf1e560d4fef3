package rules

import "time"

// SnapshotCache holds the most recently built rule snapshot.
// Implementations must be safe for concurrent use.
type SnapshotCache interface {
	// Get returns the cached snapshot, or nil on a miss or after expiry.
	Get() *Snapshot

	// Set replaces the cached snapshot.
	Set(snapshot *Snapshot)

	// Invalidate drops the cached snapshot so the next Get misses.
	Invalidate()

	// IsValid reports whether Get would return a snapshot.
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live of a snapshot.
	// Zero disables expiry so only writes invalidate.
	TTL time.Duration
}

// DefaultCacheConfig returns invalidate-on-write caching with no TTL.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
