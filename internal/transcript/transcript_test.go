package transcript

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g0v/realtime-relay/internal/cache"
	"github.com/g0v/realtime-relay/internal/segment"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://" + mr.Addr())
	require.NoError(t, err)
	return New(c, nil)
}

func TestStore_AppendCommittedThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seg := segment.Segment{StartTime: 1, Result: segment.Result{Corrected: "hello"}}
	require.NoError(t, s.AppendCommitted(ctx, "sid1", seg, nil))

	view := s.Get(ctx, "sid1")
	require.Len(t, view.Committed, 1)
	assert.Equal(t, "hello", view.Committed[0].Result.Corrected)
	assert.Nil(t, view.Partial)
}

func TestStore_PutPartial_DroppedWhenOlderThanLastCommitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendCommitted(ctx, "sid1", segment.Segment{StartTime: 5}, nil))
	s.PutPartial(ctx, "sid1", segment.Segment{StartTime: 2})

	view := s.Get(ctx, "sid1")
	assert.Nil(t, view.Partial)
}

func TestStore_PutPartial_AcceptedWhenNewerThanLastCommitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendCommitted(ctx, "sid1", segment.Segment{StartTime: 1}, nil))
	s.PutPartial(ctx, "sid1", segment.Segment{StartTime: 2, Partial: true})

	view := s.Get(ctx, "sid1")
	require.NotNil(t, view.Partial)
	assert.Equal(t, float64(2), view.Partial.StartTime)
}

func TestStore_LastCommitted_NilWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Nil(t, s.LastCommitted(context.Background(), "unknown"))
}
