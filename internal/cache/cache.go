// Package cache wraps the Redis keyspace described in §6 of the
// specification: the per-session committed-segment sorted set, the partial
// head, the stream-start-time meta blob, and the keyword list — plus the
// legacy single-blob migration §4.1 requires.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/segment"
)

const (
	committedTTL = time.Hour
	metaTTL      = time.Hour
	partialTTL   = time.Hour
	keywordTTL   = 24 * time.Hour
)

// Cache is the Redis-backed implementation of the cache tier. Client is
// process-wide; every call reuses the pooled connection, matching the
// teacher's "clients are process-wide, no call opens a new connection"
// convention.
type Cache struct {
	rdb *redis.Client
}

// New constructs a Cache from a redis:// URL.
func New(redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opt)}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func listKey(sid string) string    { return fmt.Sprintf("transcription:%s:list", sid) }
func metaKey(sid string) string    { return fmt.Sprintf("transcription:%s:meta", sid) }
func partialKey(sid string) string { return fmt.Sprintf("transcription:%s:partial", sid) }
func legacyKey(sid string) string  { return fmt.Sprintf("transcription:%s", sid) }
func keywordKey(sid string) string { return fmt.Sprintf("keywords:%s", sid) }

type metaBlob struct {
	StreamStartTime *float64 `json:"stream_start_time"`
}

// GetCommitted returns the committed segments for a session, ordered by
// start_time, migrating a legacy single-blob key in place if one is found
// and the ordered-set key does not yet exist.
func (c *Cache) GetCommitted(ctx context.Context, sid string) ([]segment.Segment, bool, error) {
	if err := c.migrateLegacyIfPresent(ctx, sid); err != nil {
		logging.Tag("cache").Sugar().Warnw("legacy migration failed", "session_id", sid, "err", err)
	}

	members, err := c.rdb.ZRangeByScore(ctx, listKey(sid), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(members) == 0 {
		exists, err := c.rdb.Exists(ctx, listKey(sid)).Result()
		if err != nil {
			return nil, false, err
		}
		return nil, exists > 0, nil
	}
	out := make([]segment.Segment, 0, len(members))
	for _, m := range members {
		var seg segment.Segment
		if err := json.Unmarshal([]byte(m), &seg); err != nil {
			continue
		}
		out = append(out, seg)
	}
	return out, true, nil
}

// GetMeta returns the cached stream_start_time, if any.
func (c *Cache) GetMeta(ctx context.Context, sid string) (*float64, error) {
	raw, err := c.rdb.Get(ctx, metaKey(sid)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var blob metaBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, nil
	}
	return blob.StreamStartTime, nil
}

// GetPartial returns the cached partial head, if any.
func (c *Cache) GetPartial(ctx context.Context, sid string) (*segment.Segment, error) {
	raw, err := c.rdb.Get(ctx, partialKey(sid)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var seg segment.Segment
	if err := json.Unmarshal([]byte(raw), &seg); err != nil {
		return nil, nil
	}
	return &seg, nil
}

// AppendCommitted adds (or replaces, by start_time) a committed segment in
// the ordered set, upserts the meta blob, and clears any partial head —
// atomically from the caller's point of view via a pipeline.
func (c *Cache) AppendCommitted(ctx context.Context, sid string, seg segment.Segment, streamStartTime *float64) error {
	payload, err := json.Marshal(seg)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Remove any existing member at this start_time before adding the
		// new one: ZADD alone does not dedupe by value, only by score+member
		// identity, and the serialized segment differs between revisions.
		existing, err := c.rdb.ZRangeByScore(ctx, listKey(sid), &redis.ZRangeBy{
			Min: fmt.Sprintf("%v", seg.StartTime),
			Max: fmt.Sprintf("%v", seg.StartTime),
		}).Result()
		if err == nil && len(existing) > 0 {
			pipe.ZRem(ctx, listKey(sid), existing)
		}
		pipe.ZAdd(ctx, listKey(sid), redis.Z{Score: seg.StartTime, Member: payload})
		pipe.Expire(ctx, listKey(sid), committedTTL)

		if streamStartTime != nil {
			metaPayload, _ := json.Marshal(metaBlob{StreamStartTime: streamStartTime})
			pipe.Set(ctx, metaKey(sid), metaPayload, metaTTL)
		}
		pipe.Del(ctx, partialKey(sid))
		return nil
	})
	return err
}

// PutPartial sets the partial head unconditionally; callers are responsible
// for the last_committed comparison described in §4.1.
func (c *Cache) PutPartial(ctx context.Context, sid string, seg segment.Segment) error {
	payload, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, partialKey(sid), payload, partialTTL).Err()
}

// migrateLegacyIfPresent implements §4.1's migration contract: a legacy
// single-blob key is one-shot migrated into the ordered-set + meta shape
// and then deleted.
func (c *Cache) migrateLegacyIfPresent(ctx context.Context, sid string) error {
	exists, err := c.rdb.Exists(ctx, listKey(sid)).Result()
	if err != nil || exists > 0 {
		return err
	}
	raw, err := c.rdb.Get(ctx, legacyKey(sid)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	var legacy struct {
		Transcriptions  []segment.Segment `json:"transcriptions"`
		StreamStartTime *float64          `json:"stream_start_time"`
	}
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, seg := range legacy.Transcriptions {
			payload, _ := json.Marshal(seg)
			pipe.ZAdd(ctx, listKey(sid), redis.Z{Score: seg.StartTime, Member: payload})
		}
		if len(legacy.Transcriptions) > 0 {
			pipe.Expire(ctx, listKey(sid), committedTTL)
		}
		if legacy.StreamStartTime != nil {
			metaPayload, _ := json.Marshal(metaBlob{StreamStartTime: legacy.StreamStartTime})
			pipe.Set(ctx, metaKey(sid), metaPayload, metaTTL)
		}
		pipe.Del(ctx, legacyKey(sid))
		return nil
	})
	return err
}

// GetKeywords reads the keyword list; returns ok=false on cache miss so the
// caller can reseed from static configuration.
func (c *Cache) GetKeywords(ctx context.Context, sid string) (keywords []string, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, keywordKey(sid)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(raw), &keywords); err != nil {
		return nil, false, nil
	}
	return keywords, true, nil
}

// SetKeywords writes the keyword list with the 24h TTL §4.7 mandates.
func (c *Cache) SetKeywords(ctx context.Context, sid string, keywords []string) error {
	payload, err := json.Marshal(keywords)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keywordKey(sid), payload, keywordTTL).Err()
}
