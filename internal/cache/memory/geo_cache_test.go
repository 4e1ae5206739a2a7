package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/geo"
)

var _ geo.Cache = (*GeoCache)(nil)

func readCacheFile(t *testing.T, path string) map[string]string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestGeoCachePersistsEveryNewEntry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "geo_cache.json")
	c, err := New(Config{File: path}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "8.8.8.8", "US-United States-Mountain View"))
	require.Equal(t, map[string]string{"8.8.8.8": "US-United States-Mountain View"}, readCacheFile(t, path))

	require.NoError(t, c.Set(ctx, "1.1.1.1", geo.UnknownLocation))
	require.Len(t, readCacheFile(t, path), 2)

	reopened, err := New(Config{File: path}, nil)
	require.NoError(t, err)
	loc, ok, err := reopened.Get(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "US-United States-Mountain View", loc)
}

func TestGeoCacheDebouncesWritesAndFlushesOnClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "geo_cache.json")
	c, err := New(Config{File: path, MinWriteInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "8.8.8.8", "US-United States-Mountain View"))
	require.Len(t, readCacheFile(t, path), 1, "first write is immediate")

	require.NoError(t, c.Set(ctx, "9.9.9.9", "CH-Switzerland-Zurich"))
	require.Len(t, readCacheFile(t, path), 1, "second write is deferred")

	require.NoError(t, c.Close(ctx))
	require.Len(t, readCacheFile(t, path), 2)
	require.NoError(t, c.Close(ctx), "close is idempotent")
}

func TestGeoCacheDeferredWriteFires(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "geo_cache.json")
	c, err := New(Config{File: path, MinWriteInterval: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "8.8.8.8", "US-United States-Mountain View"))
	require.NoError(t, c.Set(ctx, "9.9.9.9", "CH-Switzerland-Zurich"))

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		var out map[string]string
		return json.Unmarshal(raw, &out) == nil && len(out) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGeoCacheEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	c, err := New(Config{MaxEntries: 2}, nil)
	require.NoError(t, err)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "A"))
	require.NoError(t, c.Set(ctx, "b", "B"))
	require.NoError(t, c.Set(ctx, "c", "C"))

	require.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "a")
	require.False(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	require.True(t, ok)
}

func TestGeoCacheEvictionSkipsOverwrittenEntries(t *testing.T) {
	t.Parallel()

	c, err := New(Config{MaxEntries: 2}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "A"))
	require.NoError(t, c.Set(ctx, "b", "B"))
	// Rewriting a makes b the oldest.
	require.NoError(t, c.Set(ctx, "a", "A2"))
	require.NoError(t, c.Set(ctx, "c", "C"))

	require.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "b")
	require.False(t, ok)
	loc, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "A2", loc)
}

func TestGeoCacheEvictionOrderStaysBounded(t *testing.T) {
	t.Parallel()

	c, err := New(Config{MaxEntries: 3}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, "hot", fmt.Sprintf("loc-%d", i)))
	}
	require.LessOrEqual(t, len(c.order), 6)
	require.Equal(t, 1, c.Len())

	for _, ip := range []string{"x", "y", "z"} {
		require.NoError(t, c.Set(ctx, ip, ip))
	}
	require.Equal(t, 3, c.Len())
	_, ok, _ := c.Get(ctx, "hot")
	require.False(t, ok, "the oldest live entry goes first")
}

func TestGeoCacheExpiresEntries(t *testing.T) {
	t.Parallel()

	c, err := New(Config{TTL: 30 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "8.8.8.8", "US-United States-Unknown"))

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "8.8.8.8")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestGeoCacheIgnoresCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "geo_cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	c, err := New(Config{File: path}, zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, c.Len())
}
