// Package cache provides short-TTL, single-flight-deduplicated caches for
// the master-account reads the sync loop repeatedly needs: master positions,
// per-symbol open orders, and the master balance. Follower balances are not
// cached here; they come from the sync engine's periodic balance refresher.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"copytrader/pkg/telemetry"
)

// entry holds one cached value and when it was fetched.
type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Keyed is a TTL cache keyed by an arbitrary comparable key, where concurrent
// misses on the same key collapse into a single upstream call via
// singleflight. Each upstream call is bounded by upstreamTimeout regardless
// of the caller's own context deadline, so one slow exchange response can
// never wedge every caller waiting on the cache.
type Keyed[K comparable, V any] struct {
	ttl             time.Duration
	upstreamTimeout time.Duration
	name            string

	mu      sync.RWMutex
	entries map[K]entry[V]

	flight singleflight.Group
}

// NewKeyed builds a Keyed cache with the given TTL and upstream call
// timeout. name labels cache-hit/miss metrics.
func NewKeyed[K comparable, V any](name string, ttl, upstreamTimeout time.Duration) *Keyed[K, V] {
	return &Keyed[K, V]{
		ttl:             ttl,
		upstreamTimeout: upstreamTimeout,
		name:            name,
		entries:         make(map[K]entry[V]),
	}
}

// Get returns the cached value for key if still fresh, otherwise calls
// fetch exactly once per set of concurrent misses and caches the result.
func (c *Keyed[K, V]) Get(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (V, error) {
	metrics := telemetry.GetGlobalMetrics()

	if v, ok := c.fresh(key); ok {
		if metrics.CacheHitsTotal != nil {
			metrics.CacheHitsTotal.Add(ctx, 1)
		}
		return v, nil
	}

	if metrics.CacheMissesTotal != nil {
		metrics.CacheMissesTotal.Add(ctx, 1)
	}

	flightKey := fmt.Sprintf("%s:%v", c.name, key)
	result, err, _ := c.flight.Do(flightKey, func() (any, error) {
		// Re-check under the flight group: another goroutine may have
		// populated the cache while we waited to become the leader.
		if v, ok := c.fresh(key); ok {
			return v, nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.upstreamTimeout)
		defer cancel()

		v, err := fetch(fetchCtx)
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, fetchedAt: time.Now()}
		c.mu.Unlock()

		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

func (c *Keyed[K, V]) fresh(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Single is a Keyed cache with one implicit key, for singleton values like
// the master's full position list.
type Single[V any] struct {
	keyed *Keyed[struct{}, V]
}

// NewSingle builds a Single cache with the given TTL and upstream timeout.
func NewSingle[V any](name string, ttl, upstreamTimeout time.Duration) *Single[V] {
	return &Single[V]{keyed: NewKeyed[struct{}, V](name, ttl, upstreamTimeout)}
}

// Get returns the cached value if still fresh, otherwise fetches once.
func (c *Single[V]) Get(ctx context.Context, fetch func(ctx context.Context) (V, error)) (V, error) {
	return c.keyed.Get(ctx, struct{}{}, fetch)
}
