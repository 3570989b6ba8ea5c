package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g0v/realtime-relay/internal/cache"
	"github.com/g0v/realtime-relay/internal/config"
	"github.com/g0v/realtime-relay/internal/keyword"
	"github.com/g0v/realtime-relay/internal/orchestrator"
	"github.com/g0v/realtime-relay/internal/room"
	"github.com/g0v/realtime-relay/internal/segment"
	"github.com/g0v/realtime-relay/internal/stt"
	"github.com/g0v/realtime-relay/internal/transcript"
	"github.com/g0v/realtime-relay/internal/wsapi"
)

type echoTranslator struct{}

func (echoTranslator) Run(ctx context.Context, sid string, seg segment.Segment, view segment.View, skipCorrection bool) segment.Segment {
	return seg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startTestServer(t *testing.T, adminSecret string) string {
	t.Helper()
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	cfg := &config.Config{ServerAddr: addr, AdminSecretKey: adminSecret}

	mr := miniredis.RunT(t)
	c, err := cache.New("redis://" + mr.Addr())
	require.NoError(t, err)

	tstore := transcript.New(c, nil)
	rooms := room.NewHub()
	keywords := keyword.New(c, nil)
	orch := orchestrator.New(orchestrator.Config{STT: stt.Config{}}, tstore, rooms, echoTranslator{}, nil, keywords, nil)
	router := wsapi.New(orch, nil, adminSecret)
	srv := New(cfg, nil, router)

	go func() { _ = srv.Listen() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return addr
}

func TestServer_HealthEndpoint(t *testing.T) {
	addr := startTestServer(t, "")
	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebSocketConnectJoinSync(t *testing.T) {
	addr := startTestServer(t, "admin-secret")

	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(event string, data any) {
		payload, _ := json.Marshal(map[string]any{"event": event, "data": data})
		require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))
	}
	recvEvent := func() (string, json.RawMessage) {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg.Event, msg.Data
	}

	send("connect", map[string]string{"secret_key": "admin-secret"})
	event, _ := recvEvent()
	require.Equal(t, "connected", event)

	send("join_session", map[string]string{"session_id": "sid1"})
	event, _ = recvEvent()
	require.Equal(t, "joined_session", event)

	send("sync", map[string]any{"id": "sid1", "partial": false, "start_time": 1, "end_time": 2, "result": map[string]string{"corrected": "hello"}})
	event, data := recvEvent()
	require.Equal(t, "transcription_update", event)
	var broadcast segment.Broadcast
	require.NoError(t, json.Unmarshal(data, &broadcast))
	assert.Equal(t, "hello", broadcast.Result.Corrected)
}
