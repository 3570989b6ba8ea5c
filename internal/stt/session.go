// Package stt implements the STT Session Manager (§4.5): the duplex
// WebSocket link to the speech-to-text provider, token acquisition,
// audio-chunk forwarding, and transcript normalization/debounce.
//
// Wire contract (token endpoint, WebSocket URL params, frame shapes,
// punctuation trim, partial debounce, seg_start_time bookkeeping) followed
// near-verbatim from elevenlabs_realtime.py's ScribeRealtime and
// scribe_manager.py's ScribeSessionManager. Connection lifecycle
// (goroutine pair sharing one cancel) adapted from the teacher's
// internal/aws/transcribe.go TranscribeStream.
package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/g0v/realtime-relay/internal/httpclient"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/resilience"
	"github.com/g0v/realtime-relay/internal/segment"
)

// State is the Session's lifecycle state, per §4.5.
type State int

const (
	StateInit State = iota
	StateTokenAcquired
	StateConnected
	StateRunning
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateTokenAcquired:
		return "token_acquired"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "init"
	}
}

const (
	sampleRate        = 16000
	modelID           = "scribe_v2_realtime"
	audioFormat       = "pcm_16000"
	commitStrategy    = "vad"
	trimmedPunctuation = ",.。，"
)

// Config carries the provider endpoints and tunables a Session needs.
type Config struct {
	APIKey               string
	TokenURL             string
	WebSocketURL         string
	PartialInterval      time.Duration
	PartialStartOffsetSec float64
}

// TranscriptCallback receives each normalized segment as it is produced.
type TranscriptCallback func(seg segment.Segment)

// ErrorCallback receives unrecoverable session errors.
type ErrorCallback func(err error)

// Session manages one STT provider connection for one relay session.
type Session struct {
	cfg      Config
	sid      string
	onResult TranscriptCallback
	onError  ErrorCallback
	breaker  *resilience.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc

	audioChan chan []byte

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	lastPartialText  string
	segStartTime     *time.Time
	lastEmit         time.Time
}

// New constructs a Session in StateInit. The connection is not opened until
// Start is called.
func New(sid string, cfg Config, onResult TranscriptCallback, onError ErrorCallback) *Session {
	return &Session{
		cfg:       cfg,
		sid:       sid,
		onResult:  onResult,
		onError:   onError,
		breaker:   resilience.New("stt-"+sid, resilience.DefaultConfig()),
		audioChan: make(chan []byte, 100),
		state:     StateInit,
	}
}

// Start acquires a token, opens the duplex connection, and runs the
// send/receive loop pair until ctx is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	log := logging.Tag("stt").With(zap.String("session_id", s.sid))

	token, err := s.fetchToken(s.ctx)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("fetch token: %w", err)
	}
	s.setState(StateTokenAcquired)

	conn, err := s.dial(s.ctx, token)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)

	s.setState(StateRunning)
	log.Info("stt session running")

	var wg sync.WaitGroup
	wg.Add(2)
	// Whichever loop exits first stops the session, so the other one
	// returns too.
	go func() {
		defer wg.Done()
		defer s.Stop()
		s.sendLoop()
	}()
	go func() {
		defer wg.Done()
		defer s.Stop()
		s.receiveLoop()
	}()
	wg.Wait()

	s.setState(StateClosed)
	return nil
}

// PushAudio enqueues a base64-encoded PCM16 chunk for transmission.
// Silently dropped once the session is not running, matching
// scribe_manager.py's push_audio guard. Once running, chunks are never
// dropped: the queue holds up to 100 chunks, and while it is full the call
// blocks until the send loop frees a slot or the session stops.
func (s *Session) PushAudio(chunk []byte) {
	if s.State() != StateRunning {
		return
	}
	select {
	case s.audioChan <- chunk:
	case <-s.ctx.Done():
	}
}

// Stop tears the session down.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Session) fetchToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var token string
	err := s.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("xi-api-key", s.cfg.APIKey)

		resp, err := httpclient.Shared().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token endpoint status %d", resp.StatusCode)
		}
		var parsed tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		token = parsed.Token
		return nil
	})
	return token, err
}

func (s *Session) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("model_id", modelID)
	q.Set("audio_format", audioFormat)
	q.Set("commit_strategy", commitStrategy)
	q.Set("include_timestamps", "false")

	wsURL := s.cfg.WebSocketURL + "?" + q.Encode()

	header := http.Header{}
	header.Set("xi-api-key", s.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	return conn, err
}

type inputAudioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	SampleRate  int    `json:"sample_rate"`
	Commit      bool   `json:"commit"`
}

func (s *Session) sendLoop() {
	log := logging.Tag("stt")
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk, ok := <-s.audioChan:
			if !ok {
				return
			}
			msg := inputAudioChunk{
				MessageType: "input_audio_chunk",
				AudioBase64: base64.StdEncoding.EncodeToString(chunk),
				SampleRate:  sampleRate,
				Commit:      false,
			}
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Sugar().Warnw("send audio frame failed", "session_id", s.sid, "err", err)
				s.onError(err)
				return
			}
		}
	}
}

type providerMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

func (s *Session) receiveLoop() {
	log := logging.Tag("stt")
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.Sugar().Warnw("receive failed", "session_id", s.sid, "err", err)
			s.onError(err)
			return
		}

		var msg providerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Sugar().Warnw("malformed provider message", "session_id", s.sid, "err", err)
			continue
		}

		switch msg.MessageType {
		case "session_started":
			log.Sugar().Infow("provider session started", "session_id", s.sid)
			continue
		case "partial_transcript":
			s.handleTranscript(msg.Text, true)
		case "committed_transcript":
			s.handleTranscript(msg.Text, false)
		case "error", "auth_error", "quota_exceeded_error":
			log.Sugar().Errorw("provider error", "session_id", s.sid, "message_type", msg.MessageType, "err", msg.Error)
			continue
		}
	}
}

// handleTranscript implements scribe_manager.py's handle_transcript:
// strips a single trailing punctuation mark, suppresses a committed
// transcript identical to the last emitted partial, maintains
// seg_start_time across the partial/commit cycle, and debounces partials by
// PartialInterval.
func (s *Session) handleTranscript(text string, partial bool) {
	trimmed := strings.TrimSpace(text)
	for _, r := range trimmedPunctuation {
		if mark := string(r); strings.HasSuffix(trimmed, mark) {
			trimmed = strings.TrimSuffix(trimmed, mark)
			break
		}
	}
	if trimmed == "" {
		return
	}

	s.mu.Lock()
	if !partial && trimmed == s.lastPartialText {
		s.mu.Unlock()
		return
	}
	if s.segStartTime == nil {
		now := time.Now()
		s.segStartTime = &now
	}
	if partial {
		if time.Since(s.lastEmit) < s.cfg.PartialInterval {
			s.mu.Unlock()
			return
		}
		s.lastEmit = time.Now()
		s.lastPartialText = trimmed
	}

	startTime := s.segStartTime.Add(time.Duration(-s.cfg.PartialStartOffsetSec * float64(time.Second)))
	endTime := time.Now()

	if !partial {
		s.segStartTime = nil
		s.lastPartialText = ""
	}
	s.mu.Unlock()

	seg := segment.Segment{
		Partial:   partial,
		StartTime: float64(startTime.UnixNano()) / 1e9,
		EndTime:   float64(endTime.UnixNano()) / 1e9,
		Result:    segment.Result{Corrected: trimmed},
	}
	s.onResult(seg)
}
