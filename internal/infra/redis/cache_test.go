package redis

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressCacheRoundTrip(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache, err := NewProgressCache(rdb, 10*time.Second)
	require.NoError(t, err)

	ctx := context.Background()

	_, found, err := cache.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, found)

	progress := &domain.BatchProgress{
		BatchID:    "b1",
		Status:     domain.BatchStatusProcessing,
		Progress:   90,
		Total:      10,
		Processing: 1,
		Completed:  7,
		Failed:     2,
		Photos:     []domain.PhotoSummary{{ID: "p1", Status: domain.PhotoStatusDone}},
	}
	require.NoError(t, cache.Set(ctx, progress))
	assert.Equal(t, 10*time.Second, mr.TTL(ProgressCacheKey("b1")))

	got, found, err := cache.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 90, got.Progress)
	assert.Equal(t, progress.Counters(), got.Counters())
	require.Len(t, got.Photos, 1)

	require.NoError(t, cache.Delete(ctx, "b1"))
	_, found, err = cache.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProgressCacheKeepsNewerVersion(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	cache, err := NewProgressCache(rdb, 10*time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, &domain.BatchProgress{BatchID: "b1", Version: 5, Completed: 3, Total: 3}))
	require.NoError(t, cache.Set(ctx, &domain.BatchProgress{BatchID: "b1", Version: 4, Completed: 2, Total: 3}))

	got, found, err := cache.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, 3, got.Completed)

	// Invalidation drops the snapshot but stale writers stay rejected.
	require.NoError(t, cache.Delete(ctx, "b1"))
	require.NoError(t, cache.Set(ctx, &domain.BatchProgress{BatchID: "b1", Version: 4}))
	_, found, err = cache.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, &domain.BatchProgress{BatchID: "b1", Version: 6, Completed: 3, Total: 3}))
	got, found, err = cache.Get(ctx, "b1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(6), got.Version)
}

func TestProgressCacheExpires(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache, err := NewProgressCache(rdb, 0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, &domain.BatchProgress{BatchID: "b1", Status: domain.BatchStatusQueued}))

	mr.FastForward(defaultProgressTTL + time.Second)

	_, found, err := cache.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProgressCacheCorruptEntry(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache, err := NewProgressCache(rdb, time.Second)
	require.NoError(t, err)

	require.NoError(t, mr.Set(ProgressCacheKey("b1"), "{not json"))

	_, found, err := cache.Get(context.Background(), "b1")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestProgressCacheUnavailable(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache, err := NewProgressCache(rdb, time.Second)
	require.NoError(t, err)

	mr.Close()

	_, _, err = cache.Get(context.Background(), "b1")
	assert.Error(t, err)
}
