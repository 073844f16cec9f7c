package types

import (
	"context"
	"time"
)

// Params is the parameter set of a cacheable operation. Key derivation is
// order-independent: two maps with the same pairs produce the same cache key.
type Params map[string]interface{}

// ComputeFunc performs exactly one logical query against the acquired
// session and returns a serializable result.
type ComputeFunc func(ctx context.Context, session Session) (interface{}, error)

// QueryCache memoizes read-only operations against the session pool.
type QueryCache interface {
	// GetOrCompute returns the live cached value for (operation, params) or,
	// on a miss, runs compute through the session pool and stores the result
	// with the given ttl (ttl<=0 uses the configured default). Concurrent
	// callers for the same key share a single in-flight compute.
	GetOrCompute(ctx context.Context, operation string, params Params, ttl time.Duration, compute ComputeFunc) (interface{}, error)

	// Invalidate removes the entry for (operation, params), or every entry
	// under operation when params is nil. No-op if nothing matches.
	Invalidate(operation string, params Params) error

	// Clear removes all entries. Administrative, not part of request flow.
	Clear() error

	Stats() CacheStats
}

type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Entries  int    `json:"entries"`
	InFlight int    `json:"in_flight"`
}

// CacheStore is a pluggable entry store: private in-process (memory),
// shared (redis) or persistent single-node (sqlite).
type CacheStore interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error
	DeletePrefix(prefix string) error
	Clear() error
	Len() int
}

type CacheStoreCreator func(config interface{}) (CacheStore, error)

type CacheEntry struct {
	Key       string        `json:"key"`
	Value     interface{}   `json:"value"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the entry's absolute TTL window has passed.
// A zero ExpiresAt means the entry never expires.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
