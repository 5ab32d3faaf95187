// Package cache provides the in-memory, TTL-based caches sitting in front of
// driver fetches, grounded on the teacher's pkg/cache's RWMutex-guarded map
// plus injectable clockwork.Clock for deterministic tests.
package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipedash/pipedash/pkg/domain"
)

// PipelineCache holds the most recently fetched pipeline list per provider,
// surviving process restart through storage.Store.{Get,Put}CachedPipelines.
type PipelineCache struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	ttl   time.Duration
	items map[int64]domain.CacheEntry[[]domain.Pipeline]
}

// NewPipelineCache builds a cache with the given TTL using the real clock.
func NewPipelineCache(ttl time.Duration) *PipelineCache {
	return NewPipelineCacheWithClock(ttl, clockwork.NewRealClock())
}

// NewPipelineCacheWithClock builds a cache against an injected clock, for
// TTL-expiry tests that need to advance time deterministically.
func NewPipelineCacheWithClock(ttl time.Duration, clock clockwork.Clock) *PipelineCache {
	return &PipelineCache{
		clock: clock,
		ttl:   ttl,
		items: make(map[int64]domain.CacheEntry[[]domain.Pipeline]),
	}
}

// Get returns the cached pipelines for providerID and whether the entry is
// still fresh. A stale entry is still returned (callers may serve stale data
// while a refresh is in flight) with fresh=false.
func (c *PipelineCache) Get(providerID int64) (pipelines []domain.Pipeline, fresh bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.items[providerID]
	if !found {
		return nil, false, false
	}
	return entry.Value, entry.Fresh(c.clock.Now(), c.ttl), true
}

// Put stores pipelines for providerID, stamped with the current time.
func (c *PipelineCache) Put(providerID int64, pipelines []domain.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[providerID] = domain.CacheEntry[[]domain.Pipeline]{
		Value:      pipelines,
		FetchedAt:  c.clock.Now(),
		IsComplete: true,
	}
}

// Invalidate drops the cached entry for providerID, forcing the next Get to
// report a miss.
func (c *PipelineCache) Invalidate(providerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, providerID)
}

// InvalidateAll clears every cached provider's pipelines, used by the
// unscoped DELETE /cache route.
func (c *PipelineCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[int64]domain.CacheEntry[[]domain.Pipeline])
}

// Len reports the number of providers currently holding a cached entry.
func (c *PipelineCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Seed pre-populates the cache from a storage-persisted snapshot on startup,
// stamped with fetchedAt; startup passes the zero time, so the entry reads as
// stale and the first real fetch still runs.
func (c *PipelineCache) Seed(providerID int64, pipelines []domain.Pipeline, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[providerID] = domain.CacheEntry[[]domain.Pipeline]{
		Value:      pipelines,
		FetchedAt:  fetchedAt,
		IsComplete: true,
	}
}
