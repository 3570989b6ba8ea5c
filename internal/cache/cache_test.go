package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/g0v/realtime-relay/internal/segment"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func TestCache_AppendAndGetCommitted(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seg := segment.Segment{StartTime: 1, EndTime: 2, Result: segment.Result{Corrected: "hi"}}
	require.NoError(t, c.AppendCommitted(ctx, "sid1", seg, nil))

	got, hit, err := c.GetCommitted(ctx, "sid1")
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Result.Corrected)
}

func TestCache_AppendCommitted_ReplacesSameStartTime(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AppendCommitted(ctx, "sid1", segment.Segment{StartTime: 1, Result: segment.Result{Corrected: "v1"}}, nil))
	require.NoError(t, c.AppendCommitted(ctx, "sid1", segment.Segment{StartTime: 1, Result: segment.Result{Corrected: "v2"}}, nil))

	got, _, err := c.GetCommitted(ctx, "sid1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v2", got[0].Result.Corrected)
}

func TestCache_AppendCommitted_ClearsPartial(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutPartial(ctx, "sid1", segment.Segment{StartTime: 1}))
	require.NoError(t, c.AppendCommitted(ctx, "sid1", segment.Segment{StartTime: 1}, nil))

	got, err := c.GetPartial(ctx, "sid1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCache_GetMeta_RoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	start := 123.45
	require.NoError(t, c.AppendCommitted(ctx, "sid1", segment.Segment{StartTime: 1}, &start))

	meta, err := c.GetMeta(ctx, "sid1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, start, *meta)
}

func TestCache_MigrateLegacyIfPresent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	start := 5.0
	legacy := struct {
		Transcriptions  []segment.Segment `json:"transcriptions"`
		StreamStartTime *float64          `json:"stream_start_time"`
	}{
		Transcriptions:  []segment.Segment{{StartTime: 1, Result: segment.Result{Corrected: "legacy"}}},
		StreamStartTime: &start,
	}
	payload, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, c.rdb.Set(ctx, legacyKey("sid1"), payload, 0).Err())

	got, hit, err := c.GetCommitted(ctx, "sid1")
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, got, 1)
	require.Equal(t, "legacy", got[0].Result.Corrected)

	exists, err := c.rdb.Exists(ctx, legacyKey("sid1")).Result()
	require.NoError(t, err)
	require.Zero(t, exists)

	meta, err := c.GetMeta(ctx, "sid1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, start, *meta)
}

func TestCache_Keywords_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.GetKeywords(ctx, "sid1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetKeywords(ctx, "sid1", []string{"alpha", "beta"}))

	kws, ok, err := c.GetKeywords(ctx, "sid1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"alpha", "beta"}, kws)
}
