package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g0v/realtime-relay/internal/cache"
	"github.com/g0v/realtime-relay/internal/keyword"
	"github.com/g0v/realtime-relay/internal/room"
	"github.com/g0v/realtime-relay/internal/segment"
	"github.com/g0v/realtime-relay/internal/stt"
	"github.com/g0v/realtime-relay/internal/transcript"
)

type passthroughTranslator struct{}

func (passthroughTranslator) Run(ctx context.Context, sid string, seg segment.Segment, view segment.View, skipCorrection bool) segment.Segment {
	return seg
}

type fakeSubscriber struct {
	id       string
	received []segment.Broadcast
}

func (f *fakeSubscriber) ID() string { return f.id }
func (f *fakeSubscriber) Send(event string, payload any) error {
	if b, ok := payload.(segment.Broadcast); ok {
		f.received = append(f.received, b)
	}
	return nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://" + mr.Addr())
	require.NoError(t, err)

	tstore := transcript.New(c, nil)
	rooms := room.NewHub()
	keywords := keyword.New(c, nil)

	return New(Config{STT: stt.Config{}, SkipCorrection: false}, tstore, rooms, passthroughTranslator{}, nil, keywords, nil)
}

func TestOrchestrator_SyncPublishesToJoinedSubscribers(t *testing.T) {
	o := newTestOrchestrator(t)
	defer o.Shutdown()

	sub := &fakeSubscriber{id: "sub1"}
	o.JoinSession(context.Background(), "sid1", sub)

	o.Sync(context.Background(), "sid1", segment.Segment{StartTime: 1, Result: segment.Result{Corrected: "hello"}})

	require.Eventually(t, func() bool { return len(sub.received) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", sub.received[0].Result.Corrected)
}

func TestOrchestrator_JoinSession_ReplaysLastCommitted(t *testing.T) {
	o := newTestOrchestrator(t)
	defer o.Shutdown()

	o.Sync(context.Background(), "sid1", segment.Segment{StartTime: 1, Result: segment.Result{Corrected: "hello"}})
	require.Eventually(t, func() bool {
		return o.transcript.LastCommitted(context.Background(), "sid1") != nil
	}, time.Second, 5*time.Millisecond)

	view := o.JoinSession(context.Background(), "sid1", &fakeSubscriber{id: "sub2"})
	last := view.LastCommitted()
	require.NotNil(t, last)
	assert.Equal(t, "hello", last.Result.Corrected)
}

func TestOrchestrator_LeaveSession_StopsFurtherDelivery(t *testing.T) {
	o := newTestOrchestrator(t)
	defer o.Shutdown()

	sub := &fakeSubscriber{id: "sub1"}
	o.JoinSession(context.Background(), "sid1", sub)
	o.LeaveSession("sid1", "sub1")

	o.Sync(context.Background(), "sid1", segment.Segment{StartTime: 1})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.received)
}
