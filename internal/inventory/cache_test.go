package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheServesCachedValueUntilBump(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (any, error) {
		loads++
		return map[string]int{"value": loads}, nil
	}

	key, err := cache.BuildKey(ctx, keyStockSummary(1, 0))
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.Equal(t, 1, out["value"])

	// Second fetch on the same key is a cache hit.
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.Equal(t, 1, out["value"])
	require.Equal(t, 1, loads)

	// A ledger commit bumps the version; the rebuilt key misses.
	require.NoError(t, cache.Bump(ctx))
	key2, err := cache.BuildKey(ctx, keyStockSummary(1, 0))
	require.NoError(t, err)
	require.NotEqual(t, key, key2)
	require.NoError(t, cache.FetchJSON(ctx, key2, &out, loader))
	require.Equal(t, 2, out["value"])
}

func TestCacheNilClientFallsThrough(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	var out map[string]string
	err := cache.FetchJSON(ctx, "whatever", &out, func(context.Context) (any, error) {
		return map[string]string{"source": "loader"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "loader", out["source"])
	require.NoError(t, cache.Bump(ctx))
}
