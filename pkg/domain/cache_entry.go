package domain

import "time"

// CacheEntry wraps a cached value with the freshness metadata every cache in
// pkg/cache needs: when it was fetched, and whether it represents the whole
// result set (run-history's is_complete flag, spec.md §3/§4.4).
type CacheEntry[T any] struct {
	Value      T
	FetchedAt  time.Time
	IsComplete bool
}

// Fresh reports whether the entry is still within ttl of now.
func (e CacheEntry[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) < ttl
}
