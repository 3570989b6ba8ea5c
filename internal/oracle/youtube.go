// Package oracle implements the External Oracles component (§2 item 8,
// §4.11): the live-stream start-time lookup with positive+negative
// in-process caching.
//
// Grounded directly on __init__.py's get_youtube_start_time /
// youtube_data_cache.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/g0v/realtime-relay/internal/httpclient"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/resilience"
)

// youtubeVideosEndpoint is a var, not a const, so tests can point it at a
// local httptest server.
var youtubeVideosEndpoint = "https://www.googleapis.com/youtube/v3/videos"

type liveStreamingDetails struct {
	ActualStartTime    string `json:"actualStartTime"`
	ScheduledStartTime string `json:"scheduledStartTime"`
}

type youtubeItem struct {
	LiveStreamingDetails *liveStreamingDetails `json:"liveStreamingDetails"`
}

type youtubeVideosResponse struct {
	Items []youtubeItem `json:"items"`
}

// cacheEntry holds a cached lookup outcome. An entry whose startTime is nil
// records a negative cache hit: the video had no liveStreamingDetails (or
// the lookup failed), and the original source does not retry it until
// process restart.
type cacheEntry struct {
	startTime *float64
}

// YoutubeOracle looks up a YouTube live stream's actual (or scheduled)
// start time, with an API key that may be absent (lookups then always miss).
type YoutubeOracle struct {
	apiKey  string
	breaker *resilience.CircuitBreaker

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewYoutubeOracle constructs an oracle. apiKey may be empty.
func NewYoutubeOracle(apiKey string) *YoutubeOracle {
	return &YoutubeOracle{
		apiKey:  apiKey,
		breaker: resilience.New("youtube-oracle", resilience.DefaultConfig()),
		cache:   make(map[string]cacheEntry),
	}
}

// StartTime returns the stream's actual (or scheduled) start time, in UTC
// seconds, or nil if unavailable. Results — including negative ones — are
// cached for the process lifetime.
func (o *YoutubeOracle) StartTime(ctx context.Context, videoID string) *float64 {
	o.mu.Lock()
	if entry, ok := o.cache[videoID]; ok {
		o.mu.Unlock()
		return entry.startTime
	}
	o.mu.Unlock()

	if o.apiKey == "" {
		o.store(videoID, nil)
		return nil
	}

	startTime := o.fetch(ctx, videoID)
	o.store(videoID, startTime)
	return startTime
}

func (o *YoutubeOracle) store(videoID string, startTime *float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[videoID] = cacheEntry{startTime: startTime}
}

func (o *YoutubeOracle) fetch(ctx context.Context, videoID string) *float64 {
	log := logging.Tag("oracle")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("part", "liveStreamingDetails")
	q.Set("id", videoID)
	q.Set("key", o.apiKey)
	reqURL := youtubeVideosEndpoint + "?" + q.Encode()

	var result youtubeVideosResponse
	err := o.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := httpclient.Shared().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("youtube api status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		log.Sugar().Warnw("youtube lookup failed", "video_id", videoID, "err", err)
		return nil
	}

	if len(result.Items) == 0 || result.Items[0].LiveStreamingDetails == nil {
		return nil
	}
	details := result.Items[0].LiveStreamingDetails
	if t := parseRFC3339Seconds(details.ActualStartTime); t != nil {
		return t
	}
	return parseRFC3339Seconds(details.ScheduledStartTime)
}

func parseRFC3339Seconds(value string) *float64 {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	seconds := float64(t.UnixNano()) / 1e9
	return &seconds
}
