// Package orchestrator implements the Session Orchestrator (§4.6): the
// per-session registry that lazily wires an STT Session Manager and a
// Translation Queue Manager together, routes STT output into the queue,
// routes queue output into the Transcript Store and Room, and refreshes
// stream_start_time from the External Oracles on each commit.
//
// Registry/lazy-instantiation shape (GetOrCreateRoom, per-room goroutines,
// Shutdown ordering) adapted from the teacher's internal/handler/room_hub.go
// RoomHub/Room. The event sequencing itself (sync/join_session/leave_session,
// stream_start_time refresh-if-truthy, partial vs. committed dispatch) is
// grounded on __init__.py's sio handlers.
package orchestrator

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/g0v/realtime-relay/internal/keyword"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/queue"
	"github.com/g0v/realtime-relay/internal/room"
	"github.com/g0v/realtime-relay/internal/segment"
	"github.com/g0v/realtime-relay/internal/storage"
	"github.com/g0v/realtime-relay/internal/stt"
	"github.com/g0v/realtime-relay/internal/transcript"
)

// Oracle resolves a live-stream's start time, e.g. *oracle.YoutubeOracle.
type Oracle interface {
	StartTime(ctx context.Context, videoID string) *float64
}

// Config bundles everything an Orchestrator needs to construct a session's
// STT link on demand.
type Config struct {
	STT            stt.Config
	SkipCorrection bool
}

// Orchestrator owns the per-session STT/translation registries, the shared
// Translation Queue Manager, and the fan-out into Transcript Store + Room.
type Orchestrator struct {
	cfg        Config
	transcript *transcript.Store
	rooms      *room.Hub
	queueMgr   *queue.Manager
	oracle     Oracle
	keywords   *keyword.Store
	archive    *storage.Archive

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	sttSession *stt.Session
	videoID    string
}

// New constructs an Orchestrator. translator implements queue.Translator
// (normally *translate.Pipeline). archive may be nil, disabling audio
// archival.
func New(cfg Config, tstore *transcript.Store, rooms *room.Hub, translator queue.Translator, oracle Oracle, keywords *keyword.Store, archive *storage.Archive) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		transcript: tstore,
		rooms:      rooms,
		oracle:     oracle,
		keywords:   keywords,
		archive:    archive,
		sessions:   make(map[string]*sessionState),
	}
	o.queueMgr = queue.New(viewReader{tstore}, translator, o.onTranslated, 256)
	return o
}

type viewReader struct{ s *transcript.Store }

func (v viewReader) Get(ctx context.Context, sid string) segment.View { return v.s.Get(ctx, sid) }

// EnsureSTT lazily starts the session's STT link on first producer event,
// per §4.6, and starts a fresh one when the previous link ended in
// StateError. videoID, if non-empty, is used to refresh stream_start_time
// from the External Oracles on each commit.
func (o *Orchestrator) EnsureSTT(ctx context.Context, sid, videoID string, skipCorrection bool) {
	sid = strings.TrimSpace(sid)
	o.mu.Lock()
	if existing, exists := o.sessions[sid]; exists {
		if existing.sttSession == nil || existing.sttSession.State() != stt.StateError {
			o.mu.Unlock()
			return
		}
		existing.sttSession.Stop()
		if videoID == "" {
			videoID = existing.videoID
		}
	}
	st := &sessionState{videoID: videoID}
	o.sessions[sid] = st
	o.mu.Unlock()

	session := stt.New(sid, o.cfg.STT,
		func(seg segment.Segment) { o.onSTTResult(sid, seg, skipCorrection) },
		func(err error) { logging.Tag("orchestrator").Sugar().Warnw("stt session error", "session_id", sid, "err", err) },
	)

	o.mu.Lock()
	st.sttSession = session
	o.mu.Unlock()

	go func() {
		if err := session.Start(ctx); err != nil {
			logging.Tag("orchestrator").Sugar().Warnw("stt session failed to start", "session_id", sid, "err", err)
		}
	}()
}

// PushAudio forwards a raw audio chunk into the session's STT link, if one
// is running.
func (o *Orchestrator) PushAudio(sid string, chunk []byte) {
	sid = strings.TrimSpace(sid)
	o.mu.Lock()
	st, ok := o.sessions[sid]
	o.mu.Unlock()
	if !ok || st.sttSession == nil {
		return
	}
	st.sttSession.PushAudio(chunk)

	if o.archive != nil {
		go func(data []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.archive.PutChunk(ctx, sid, float64(time.Now().UnixNano())/1e9, bytes.NewReader(data), int64(len(data))); err != nil {
				logging.Tag("orchestrator").Sugar().Warnw("audio archive failed", "session_id", sid, "err", err)
			}
		}(chunk)
	}
}

func (o *Orchestrator) onSTTResult(sid string, seg segment.Segment, skipCorrection bool) {
	ctx := context.Background()
	o.queueMgr.Put(ctx, sid, seg, skipCorrection)
}

// onTranslated is the Translation Queue Manager's callback (§4.4/§4.6):
// refresh stream_start_time from the oracle, persist the segment, and
// broadcast to the room.
func (o *Orchestrator) onTranslated(sid string, result segment.Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := logging.Tag("orchestrator")

	streamStart := o.refreshStreamStartTime(ctx, sid)

	var lastCommitted *segment.Segment
	if result.Partial {
		o.transcript.PutPartial(ctx, sid, result)
		lastCommitted = o.transcript.LastCommitted(ctx, sid)
	} else {
		if err := o.transcript.AppendCommitted(ctx, sid, result, streamStart); err != nil {
			log.Sugar().Warnw("append committed failed", "session_id", sid, "err", err)
		}
		lastCommitted = o.transcript.LastCommitted(ctx, sid)
	}

	broadcast := segment.Broadcast{Segment: result, LastCommitted: lastCommitted}
	o.rooms.Publish(sid, "transcription_update", broadcast)
}

func (o *Orchestrator) refreshStreamStartTime(ctx context.Context, sid string) *float64 {
	o.mu.Lock()
	st, ok := o.sessions[sid]
	o.mu.Unlock()
	if !ok || st.videoID == "" || o.oracle == nil {
		view := o.transcript.Get(ctx, sid)
		return view.StreamStartTime
	}

	view := o.transcript.Get(ctx, sid)
	startTime := o.oracle.StartTime(ctx, st.videoID)
	if startTime != nil {
		return startTime
	}
	return view.StreamStartTime
}

// Sync implements §6's `sync` ingress event: a producer pushes a segment
// directly (bypassing STT), used by legacy non-realtime producers. Per the
// resolved Open Question, sync producers default to skip_correction=true.
func (o *Orchestrator) Sync(ctx context.Context, sid string, seg segment.Segment) {
	o.queueMgr.Put(ctx, sid, seg, o.cfg.SkipCorrection)
}

// JoinSession adds a subscriber to a session's room and returns the current
// transcript snapshot for initial replay.
func (o *Orchestrator) JoinSession(ctx context.Context, sid string, sub room.Subscriber) segment.View {
	o.rooms.Enter(sid, sub)
	return o.transcript.Get(ctx, sid)
}

// LeaveSession removes a subscriber from a session's room.
func (o *Orchestrator) LeaveSession(sid, subID string) {
	o.rooms.Leave(sid, subID)
}

// LeaveAll removes a subscriber from every room it belongs to, on
// disconnect.
func (o *Orchestrator) LeaveAll(subID string) {
	o.rooms.LeaveAll(subID)
}

// Shutdown stops every session's STT link, then the Translation Queue
// Manager. The shared HTTP client is not touched here; the caller closes it
// afterwards (see cmd/server/main.go).
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sessions := make([]*sessionState, 0, len(o.sessions))
	for sid, st := range o.sessions {
		sessions = append(sessions, st)
		delete(o.sessions, sid)
	}
	o.mu.Unlock()

	for _, st := range sessions {
		if st.sttSession != nil {
			st.sttSession.Stop()
		}
	}
	o.queueMgr.Stop()
}
