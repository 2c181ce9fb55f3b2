package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache puts a cache in front of a fetch function. A miss runs
// the fetch and stores the result; fetch errors are never cached, so the
// next lookup retries. Hits never extend the TTL: the cached value decays
// on schedule no matter how often it is read, which is what quota
// snapshots need.
type ReadThroughCache[K ~string, V any] struct {
	cache CacheManager[K, V]
	fetch func(ctx context.Context) (V, error)
	skip  bool
}

// NewReadThroughCache wraps fetch with cache. With skip set every Get
// bypasses the cache, for callers that need live reads.
func NewReadThroughCache[K ~string, V any](
	cache CacheManager[K, V],
	fetch func(ctx context.Context) (V, error),
	skip bool,
) *ReadThroughCache[K, V] {
	return &ReadThroughCache[K, V]{cache: cache, fetch: fetch, skip: skip}
}

// Get returns the cached value for key, fetching and storing it on a miss.
func (r *ReadThroughCache[K, V]) Get(ctx context.Context, key K, ttl time.Duration) (V, error) {
	if r.skip {
		return r.fetch(ctx)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.fetch(ctx)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
