// Package room implements the Room Registry / Broadcaster (§4.2): a
// process-wide map from session id to subscriber set, with non-blocking,
// in-order publish.
//
// Grounded on the teacher's internal/handler/room_hub.go Room/Listener
// broadcast pattern, generalized from "AWS pipeline audio/transcript
// listeners" to a transport-agnostic Subscriber interface so the same Hub
// serves the WebSocket ingress layer without depending on it.
package room

import (
	"sync"
	"time"

	"github.com/g0v/realtime-relay/internal/logging"
)

// Subscriber is anything that can receive a published payload without
// blocking the publisher for long. The WebSocket handler implements this by
// wrapping a connection with a per-connection outbound channel and write
// goroutine (see internal/wsapi), matching the teacher's Listener{Conn,
// writeMu} pattern.
type Subscriber interface {
	ID() string
	Send(event string, payload any) error
}

// sendTimeout bounds how long Publish waits on a single slow subscriber
// before giving up on that one and moving to the next, so one stalled
// consumer cannot block delivery to the rest of the room.
const sendTimeout = 200 * time.Millisecond

// Hub is the process-wide room registry.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]Subscriber)}
}

// Enter adds subscriber to room, creating the room if this is its first
// member.
func (h *Hub) Enter(roomID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]Subscriber)
		h.rooms[roomID] = members
	}
	members[sub.ID()] = sub
}

// Leave removes subscriber from room, deleting the room once it is empty.
func (h *Hub) Leave(roomID string, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, subID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// LeaveAll removes a subscriber from every room it belongs to — used on
// disconnect.
func (h *Hub) LeaveAll(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID, members := range h.rooms {
		if _, ok := members[subID]; ok {
			delete(members, subID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
}

// Publish delivers event/payload to every subscriber currently in roomID.
// Delivery is best-effort and non-blocking per subscriber: a slow
// subscriber's send is bounded by sendTimeout and, on failure, only logged
// — it never blocks delivery to the rest of the room. A subscriber entering
// after Publish is called does not see this publish, since the snapshot of
// members is taken under the read lock at call time.
func (h *Hub) Publish(roomID, event string, payload any) {
	h.mu.RLock()
	members := h.rooms[roomID]
	snapshot := make([]Subscriber, 0, len(members))
	for _, sub := range members {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	log := logging.Tag("room")
	for _, sub := range snapshot {
		sub := sub
		done := make(chan error, 1)
		go func() { done <- sub.Send(event, payload) }()
		select {
		case err := <-done:
			if err != nil {
				log.Sugar().Warnw("publish to subscriber failed", "room", roomID, "subscriber", sub.ID(), "err", err)
			}
		case <-time.After(sendTimeout):
			log.Sugar().Warnw("publish to subscriber timed out, dropping", "room", roomID, "subscriber", sub.ID())
		}
	}
}

// Size returns the number of subscribers currently in roomID.
func (h *Hub) Size(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
