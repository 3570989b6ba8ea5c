// Package transcript implements the Transcript Store (§4.1): the
// cache-first, durable-store-backfilled view over a session's committed
// segments and volatile partial head.
package transcript

import (
	"context"
	"sort"

	"github.com/g0v/realtime-relay/internal/cache"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/segment"
	"github.com/g0v/realtime-relay/internal/store"
)

// Store composes the cache and the durable backing store into the §4.1
// contract. It never returns an error to callers: unreachable backends
// degrade to an empty view, logged but not propagated.
type Store struct {
	cache *cache.Cache
	db    *store.Store
}

// New builds a Store. db may be nil, in which case durable persistence and
// backfill are both skipped — useful for tests that only exercise the cache
// tier.
func New(c *cache.Cache, db *store.Store) *Store {
	return &Store{cache: c, db: db}
}

// Get resolves the current transcript view per §4.1's resolution order.
func (s *Store) Get(ctx context.Context, sid string) segment.View {
	log := logging.Tag("transcript")

	committed, hit, err := s.cache.GetCommitted(ctx, sid)
	if err != nil {
		log.Sugar().Warnw("cache read failed", "session_id", sid, "err", err)
	}

	if !hit && s.db != nil {
		dbSegs, streamStart, derr := s.db.GetTranscript(ctx, sid)
		if derr != nil {
			log.Sugar().Warnw("durable read failed", "session_id", sid, "err", derr)
		} else if dbSegs != nil {
			sort.SliceStable(dbSegs, func(i, j int) bool { return dbSegs[i].StartTime < dbSegs[j].StartTime })
			committed = dbSegs
			for _, seg := range dbSegs {
				_ = s.cache.AppendCommitted(ctx, sid, seg, streamStart)
			}
		}
	}

	meta, err := s.cache.GetMeta(ctx, sid)
	if err != nil {
		log.Sugar().Warnw("meta read failed", "session_id", sid, "err", err)
	}

	partial, err := s.cache.GetPartial(ctx, sid)
	if err != nil {
		log.Sugar().Warnw("partial read failed", "session_id", sid, "err", err)
	}

	return segment.View{Committed: committed, Partial: partial, StreamStartTime: meta}
}

// LastCommitted returns the current transcript's highest-start_time
// committed segment, or nil.
func (s *Store) LastCommitted(ctx context.Context, sid string) *segment.Segment {
	return s.Get(ctx, sid).LastCommitted()
}

// AppendCommitted implements §4.1's append_committed: the cache write
// (ordered-set upsert + meta upsert + partial clear) happens synchronously;
// durable persistence is scheduled on a background goroutine whose failure
// is logged and never rolls back the cache write.
func (s *Store) AppendCommitted(ctx context.Context, sid string, seg segment.Segment, streamStartTime *float64) error {
	log := logging.Tag("transcript")

	if err := s.cache.AppendCommitted(ctx, sid, seg, streamStartTime); err != nil {
		log.Sugar().Errorw("cache append failed", "session_id", sid, "err", err)
		return err
	}

	if s.db != nil {
		go func() {
			bgCtx := context.Background()
			if err := s.db.AppendSegment(bgCtx, sid, seg, streamStartTime); err != nil {
				log.Sugar().Errorw("durable persist failed", "session_id", sid, "err", err)
			}
		}()
	}
	return nil
}

// PutPartial implements §4.1's put_partial: rejected as a no-op if older
// than the current last-committed segment.
func (s *Store) PutPartial(ctx context.Context, sid string, seg segment.Segment) {
	log := logging.Tag("transcript")

	last := s.LastCommitted(ctx, sid)
	if last != nil && last.StartTime > seg.StartTime {
		log.Sugar().Infow("dropped stale partial", "session_id", sid, "partial_start", seg.StartTime, "last_committed", last.StartTime)
		return
	}
	if err := s.cache.PutPartial(ctx, sid, seg); err != nil {
		log.Sugar().Warnw("partial write failed", "session_id", sid, "err", err)
	}
}
