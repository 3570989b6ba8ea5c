// Package keyword implements the Keyword Store (§4.7): a per-session list
// of domain terms, cache-backed with a 24h TTL, seeded from static
// configuration on miss.
//
// Grounded directly on translator.py's get_current_keywords /
// save_current_keywords.
package keyword

import (
	"context"

	"github.com/g0v/realtime-relay/internal/cache"
	"github.com/g0v/realtime-relay/internal/logging"
)

// Store is the keyword list cache plus its static seed.
type Store struct {
	cache        *cache.Cache
	defaultSeeds []string
}

// New builds a Store. defaultSeeds is the parsed COMMON_PROMPT
// configuration, used to seed any session whose keyword list has expired or
// never existed.
func New(c *cache.Cache, defaultSeeds []string) *Store {
	return &Store{cache: c, defaultSeeds: defaultSeeds}
}

// Get returns the current keyword list for sid, seeding from static
// configuration on cache miss.
func (s *Store) Get(ctx context.Context, sid string) []string {
	keywords, ok, err := s.cache.GetKeywords(ctx, sid)
	if err != nil {
		logging.Tag("keyword").Sugar().Warnw("cache read failed", "session_id", sid, "err", err)
	}
	if ok {
		return keywords
	}
	return append([]string(nil), s.defaultSeeds...)
}

// Set writes the keyword list with the mandated 24h TTL.
func (s *Store) Set(ctx context.Context, sid string, keywords []string) {
	if err := s.cache.SetKeywords(ctx, sid, keywords); err != nil {
		logging.Tag("keyword").Sugar().Warnw("cache write failed", "session_id", sid, "err", err)
	}
}

// AppendNew appends any of newKeywords not already present, preserving
// order, and persists the result if anything changed. Concurrent callers
// may race and drop an addition — acceptable per §4.7, since it will be
// re-extracted on the next committed segment.
func (s *Store) AppendNew(ctx context.Context, sid string, newKeywords []string) {
	current := s.Get(ctx, sid)
	seen := make(map[string]bool, len(current))
	for _, k := range current {
		seen[k] = true
	}
	changed := false
	for _, k := range newKeywords {
		if k == "" || seen[k] {
			continue
		}
		current = append(current, k)
		seen[k] = true
		changed = true
	}
	if changed {
		s.Set(ctx, sid, current)
	}
}
