package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id       string
	mu       sync.Mutex
	received []string
	sendErr  error
	block    time.Duration
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(event string, payload any) error {
	if f.block > 0 {
		time.Sleep(f.block)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, event)
	return f.sendErr
}

func (f *fakeSubscriber) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func TestHub_PublishReachesRoomMembersOnly(t *testing.T) {
	h := NewHub()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	h.Enter("room1", a)
	h.Enter("room2", b)

	h.Publish("room1", "transcription_update", "payload")

	require.Eventually(t, func() bool { return len(a.events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.events())
}

func TestHub_LeaveRemovesSubscriber(t *testing.T) {
	h := NewHub()
	a := &fakeSubscriber{id: "a"}
	h.Enter("room1", a)
	h.Leave("room1", "a")
	assert.Equal(t, 0, h.Size("room1"))
}

func TestHub_LeaveAllRemovesFromEveryRoom(t *testing.T) {
	h := NewHub()
	a := &fakeSubscriber{id: "a"}
	h.Enter("room1", a)
	h.Enter("room2", a)
	h.LeaveAll("a")
	assert.Equal(t, 0, h.Size("room1"))
	assert.Equal(t, 0, h.Size("room2"))
}

func TestHub_PublishSkipsSlowSubscriberWithoutBlockingOthers(t *testing.T) {
	h := NewHub()
	slow := &fakeSubscriber{id: "slow", block: 500 * time.Millisecond}
	fast := &fakeSubscriber{id: "fast"}
	h.Enter("room1", slow)
	h.Enter("room1", fast)

	start := time.Now()
	h.Publish("room1", "event", nil)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 400*time.Millisecond)
	require.Eventually(t, func() bool { return len(fast.events()) == 1 }, time.Second, 5*time.Millisecond)
}
