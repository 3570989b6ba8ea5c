package keyword

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g0v/realtime-relay/internal/cache"
)

func newTestStore(t *testing.T, seeds []string) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://" + mr.Addr())
	require.NoError(t, err)
	return New(c, seeds)
}

func TestStore_Get_SeedsFromDefaultsOnMiss(t *testing.T) {
	s := newTestStore(t, []string{"alpha", "beta"})
	got := s.Get(context.Background(), "sid1")
	assert.Equal(t, []string{"alpha", "beta"}, got)
}

func TestStore_Set_OverridesSeeds(t *testing.T) {
	s := newTestStore(t, []string{"alpha"})
	ctx := context.Background()
	s.Set(ctx, "sid1", []string{"custom"})
	assert.Equal(t, []string{"custom"}, s.Get(ctx, "sid1"))
}

func TestStore_AppendNew_DedupesAndPreservesOrder(t *testing.T) {
	s := newTestStore(t, []string{"alpha"})
	ctx := context.Background()

	s.AppendNew(ctx, "sid1", []string{"beta", "alpha", "", "gamma"})
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, s.Get(ctx, "sid1"))
}

func TestStore_AppendNew_NoWriteWhenNothingNew(t *testing.T) {
	s := newTestStore(t, []string{"alpha"})
	ctx := context.Background()

	s.Set(ctx, "sid1", []string{"alpha", "beta"})
	s.AppendNew(ctx, "sid1", []string{"alpha"})
	assert.Equal(t, []string{"alpha", "beta"}, s.Get(ctx, "sid1"))
}
