package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	})
}

type quotaSnapshot struct {
	Limit     int
	Remaining int
}

func TestInMemoryCacheManager_GetExistingValue_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, quotaSnapshot]("rate-limit", DefaultExpiration, DefaultCleanupInterval)
	snap := quotaSnapshot{Limit: 5000, Remaining: 4200}
	cache.Set(context.Background(), "core", snap, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "core")
	require.True(t, ok)
	require.Equal(t, snap, got)
}

func TestInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "delivery-1", "seen", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "delivery-1")
	require.True(t, ok)
	require.Equal(t, "seen", got)
}

func TestInMemoryCacheManager_GetWithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "delivery-1")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithExistingInvalidValueType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("delivery-1", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "delivery-1")
	require.False(t, ok)
	require.Empty(t, got)
}

// Typed key sets share the implementation through the ~string constraint.
func TestInMemoryCacheManager_TypedKeys(t *testing.T) {
	type deliveryID string

	cache := NewInMemoryCacheManager[deliveryID, struct{}]("dedupe", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), deliveryID("abc"), struct{}{}, DefaultExpiration)

	_, ok := cache.Get(context.Background(), deliveryID("abc"))
	require.True(t, ok)
	_, ok = cache.Get(context.Background(), deliveryID("other"))
	require.False(t, ok)
}

func TestInMemoryCacheManager_GetWithRefresh_WithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetWithRefresh(context.Background(), "delivery-1", time.Minute*60)
	require.False(t, ok)
	require.Equal(t, "", got)
}

func TestInMemoryCacheManager_GetWithRefresh_WithExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "delivery-1", "seen", DefaultExpiration)

	got, ok := cache.GetWithRefresh(context.Background(), "delivery-1", time.Minute*60)
	require.True(t, ok)
	require.Equal(t, "seen", got)
}

func TestInMemoryCacheManager_GetWithRefresh_ExtendsTTL(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "delivery-1", "seen", 20*time.Millisecond)

	_, ok := cache.GetWithRefresh(context.Background(), "delivery-1", time.Minute)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok = cache.Get(context.Background(), "delivery-1")
	require.True(t, ok, "refresh should have replaced the short TTL")
}

func TestInMemoryCacheManager_DeleteWithNoKeysDoesNothing(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)

	err := cache.Delete(context.Background())
	require.NoError(t, err)
}

func TestInMemoryCacheManager_DeleteExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "delivery-1", "seen", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "delivery-1")
	require.True(t, ok)
	require.Equal(t, "seen", got)

	err := cache.Delete(context.Background(), "delivery-1")
	require.NoError(t, err)

	got, ok = cache.Get(context.Background(), "delivery-1")
	require.False(t, ok)
	require.Equal(t, "", got)
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("dedupe", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "delivery-1", "seen", DefaultExpiration)
	cache.Set(context.Background(), "delivery-2", "seen", DefaultExpiration)
	require.Equal(t, 2, cache.Len())

	err := cache.Flush(context.Background())
	require.NoError(t, err)

	require.Equal(t, 0, cache.Len())
	_, ok := cache.Get(context.Background(), "delivery-1")
	require.False(t, ok)
}
