package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the read/write surface shared by the in-memory caches.
// Keys are string-like so a single implementation can back typed key sets.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
