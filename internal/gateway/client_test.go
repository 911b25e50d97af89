package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/jndoye/pikaboard/internal/errors"
	"github.com/jndoye/pikaboard/internal/metrics"
)

const testSession = "sess-test"

// fakeTokens is an in-memory TokenSource.
type fakeTokens struct {
	mu            sync.Mutex
	token         string
	err           error
	fetches       int
	invalidations int
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.token, f.err
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	f.invalidations++
	f.mu.Unlock()
}

func (f *fakeTokens) invalidated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidations
}

// mockGateway simulates the agent gateway protocol over httptest.
type mockGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	token    string // expected credential; empty accepts anything

	chatScript func(mg *mockGateway, conn *websocket.Conn, params chatSendParams, runID string)
	chatDelay  time.Duration // delay before answering chat.send
	muteChat   bool          // accept chat.send silently
	dropOnChat bool          // kill the socket instead of answering chat.send

	mu           sync.Mutex
	conns        []*websocket.Conn
	history      []wireMessage
	historyCalls int
}

func newMockGateway(t *testing.T, token string) *mockGateway {
	mg := &mockGateway{
		t:     t,
		token: token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/gateway", mg.handleWS)
	mg.server = httptest.NewServer(mux)
	return mg
}

func (mg *mockGateway) url() string {
	return "ws" + strings.TrimPrefix(mg.server.URL, "http") + "/ws/gateway"
}

func (mg *mockGateway) close() {
	mg.closeConns()
	mg.server.Close()
}

func (mg *mockGateway) closeConns() {
	mg.mu.Lock()
	for _, conn := range mg.conns {
		conn.Close()
	}
	mg.conns = nil
	mg.mu.Unlock()
}

func (mg *mockGateway) setHistory(msgs []wireMessage) {
	mg.mu.Lock()
	mg.history = msgs
	mg.mu.Unlock()
}

func (mg *mockGateway) historyCount() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.historyCalls
}

func (mg *mockGateway) writeJSON(conn *websocket.Conn, v any) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	_ = conn.WriteJSON(v)
}

// pushChat emits a chat event on the most recent connection.
func (mg *mockGateway) pushChat(state, sessionKey, runID string, msg *wireMessage, errMsg string) {
	mg.mu.Lock()
	var conn *websocket.Conn
	if len(mg.conns) > 0 {
		conn = mg.conns[len(mg.conns)-1]
	}
	mg.mu.Unlock()
	if conn == nil {
		return
	}
	mg.sendChatEvent(conn, state, sessionKey, runID, msg, errMsg)
}

func (mg *mockGateway) sendChatEvent(conn *websocket.Conn, state, sessionKey, runID string, msg *wireMessage, errMsg string) {
	mg.writeJSON(conn, map[string]any{
		"type":         "event",
		"event":        "chat",
		"state":        state,
		"sessionKey":   sessionKey,
		"runId":        runID,
		"message":      msg,
		"errorMessage": errMsg,
	})
}

func (mg *mockGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	mg.mu.Lock()
	mg.conns = append(mg.conns, conn)
	mg.mu.Unlock()
	defer conn.Close()

	mg.writeJSON(conn, wsFrame{Type: "event", Event: eventChallenge})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type != "req" {
			continue
		}

		switch frame.Method {
		case "connect":
			mg.handleConnect(conn, frame)
		case "chat.send":
			if !mg.handleChatSend(conn, frame) {
				return
			}
		case "chat.history":
			mg.handleHistory(conn, frame)
		}
	}
}

func (mg *mockGateway) handleConnect(conn *websocket.Conn, req wsFrame) {
	var params connectParams
	_ = json.Unmarshal(req.Params, &params)

	if mg.token != "" && (params.Auth == nil || params.Auth.Token != mg.token) {
		ok := false
		mg.writeJSON(conn, wsFrame{
			Type:  "res",
			ID:    req.ID,
			OK:    &ok,
			Error: &wsError{Code: "UNAUTHORIZED", Message: "invalid token"},
		})
		return
	}

	ok := true
	payload, _ := json.Marshal(map[string]any{"type": "hello-ok", "protocol": 3})
	mg.writeJSON(conn, wsFrame{Type: "res", ID: req.ID, OK: &ok, Payload: payload})
}

func (mg *mockGateway) handleChatSend(conn *websocket.Conn, req wsFrame) bool {
	if mg.dropOnChat {
		conn.Close()
		return false
	}
	if mg.muteChat {
		return true
	}
	if mg.chatDelay > 0 {
		time.Sleep(mg.chatDelay)
	}

	var params chatSendParams
	_ = json.Unmarshal(req.Params, &params)

	runID := params.IdempotencyKey
	ok := true
	payload, _ := json.Marshal(chatSendResult{RunID: runID, Status: "accepted"})
	mg.writeJSON(conn, wsFrame{Type: "res", ID: req.ID, OK: &ok, Payload: payload})

	if mg.chatScript != nil {
		mg.chatScript(mg, conn, params, runID)
	}
	return true
}

func (mg *mockGateway) handleHistory(conn *websocket.Conn, req wsFrame) {
	mg.mu.Lock()
	mg.historyCalls++
	msgs := mg.history
	mg.mu.Unlock()

	ok := true
	payload, _ := json.Marshal(historyResult{Messages: msgs})
	mg.writeJSON(conn, wsFrame{Type: "res", ID: req.ID, OK: &ok, Payload: payload})
}

// --- helpers ---

func newTestClient(t *testing.T, url string, mutate func(*Config)) (*Client, *fakeTokens) {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.SessionKey = testSession
	// Keep wall-clock retries out of the way unless a test opts in.
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectMax = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	tokens := &fakeTokens{token: "gw-secret"}
	c := New(cfg, tokens, metrics.New(), zerolog.Nop())
	t.Cleanup(c.Close)
	return c, tokens
}

func waitState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.GetSnapshot().ConnectionState == want
	}, 3*time.Second, 10*time.Millisecond, "waiting for state %s", want)
}

func textMessage(role, text string) *wireMessage {
	return &wireMessage{
		Role:      role,
		Content:   contentList{{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// --- tests ---

func TestClient_ConnectAndInitialHistory(t *testing.T) {
	mg := newMockGateway(t, "gw-secret")
	defer mg.close()
	mg.setHistory([]wireMessage{*textMessage("user", "hi pika")})

	c, tokens := newTestClient(t, mg.url(), nil)

	var mu sync.Mutex
	var states []ConnectionState
	c.Subscribe(func(s Snapshot) {
		mu.Lock()
		if len(states) == 0 || states[len(states)-1] != s.ConnectionState {
			states = append(states, s.ConnectionState)
		}
		mu.Unlock()
	})

	c.Open()
	waitState(t, c, StateConnected)

	require.Eventually(t, func() bool {
		return len(c.GetSnapshot().Messages) == 1
	}, 3*time.Second, 10*time.Millisecond)

	snap := c.GetSnapshot()
	assert.Equal(t, "hi pika", snap.Messages[0].Content)
	assert.Empty(t, snap.ConnectionError)
	assert.Equal(t, 1, mg.historyCount(), "history fetched exactly once on connect")

	mu.Lock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateConnected, states[1])
	mu.Unlock()

	tokens.mu.Lock()
	assert.Equal(t, 1, tokens.fetches)
	tokens.mu.Unlock()
}

func TestClient_AuthRejected(t *testing.T) {
	mg := newMockGateway(t, "the-real-secret")
	defer mg.close()

	c, tokens := newTestClient(t, mg.url(), nil)
	c.Open()

	require.Eventually(t, func() bool {
		snap := c.GetSnapshot()
		return snap.ConnectionState == StateDisconnected &&
			snap.ConnectionError == "Authentication failed"
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, tokens.invalidated(), "cached credential must be discarded")
}

func TestClient_SendRequiresConnection(t *testing.T) {
	c, _ := newTestClient(t, "ws://127.0.0.1:1/ws/gateway", nil)

	err := c.Send("hello")
	assert.ErrorIs(t, err, perrors.ErrNotConnected)
	assert.Empty(t, c.GetSnapshot().Messages, "log must be untouched")

	err = c.Send("   ")
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestClient_DeltaReplacesContent(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.chatScript = func(mg *mockGateway, conn *websocket.Conn, params chatSendParams, runID string) {
		mg.sendChatEvent(conn, stateDelta, params.SessionKey, runID, textMessage("assistant", "Hello wor"), "")
		time.Sleep(20 * time.Millisecond)
		mg.sendChatEvent(conn, stateDelta, params.SessionKey, runID, textMessage("assistant", "Hello world"), "")
		time.Sleep(20 * time.Millisecond)
		mg.setHistory([]wireMessage{
			*textMessage("user", "greet me"),
			*textMessage("assistant", "Hello world"),
		})
		mg.sendChatEvent(conn, stateFinal, params.SessionKey, runID, textMessage("assistant", "Hello world"), "")
	}

	c, _ := newTestClient(t, mg.url(), nil)

	var mu sync.Mutex
	var streamed []string
	c.Subscribe(func(s Snapshot) {
		mu.Lock()
		for _, m := range s.Messages {
			if m.Streaming && m.Content != "" {
				streamed = append(streamed, m.Content)
			}
		}
		mu.Unlock()
	})

	c.Open()
	waitState(t, c, StateConnected)
	require.NoError(t, c.Send("greet me"))

	require.Eventually(t, func() bool {
		return mg.historyCount() == 2 && len(c.GetSnapshot().Messages) == 2
	}, 3*time.Second, 10*time.Millisecond)

	snap := c.GetSnapshot()
	for _, m := range snap.Messages {
		assert.False(t, m.Streaming, "terminal log must not contain streaming entries")
		assert.False(t, m.Pending)
	}
	assert.Equal(t, "Hello world", snap.Messages[1].Content)

	mu.Lock()
	assert.Contains(t, streamed, "Hello wor")
	assert.Contains(t, streamed, "Hello world")
	assert.NotContains(t, streamed, "Hello worHello world", "deltas replace, never append")
	mu.Unlock()
}

func TestClient_AbortedDropsPlaceholder(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.chatScript = func(mg *mockGateway, conn *websocket.Conn, params chatSendParams, runID string) {
		mg.sendChatEvent(conn, stateDelta, params.SessionKey, runID, textMessage("assistant", "half an ans"), "")
		time.Sleep(10 * time.Millisecond)
		mg.sendChatEvent(conn, stateAborted, params.SessionKey, runID, nil, "")
	}

	c, _ := newTestClient(t, mg.url(), nil)
	c.Open()
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send("never mind"))

	require.Eventually(t, func() bool {
		return len(c.GetSnapshot().Messages) == 0
	}, 3*time.Second, 10*time.Millisecond, "aborted run must drop the placeholder")

	// The run slot is free again.
	require.Eventually(t, func() bool {
		return c.Send("again") == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_ErrorEventConvertsPlaceholder(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.chatScript = func(mg *mockGateway, conn *websocket.Conn, params chatSendParams, runID string) {
		mg.sendChatEvent(conn, stateError, params.SessionKey, runID, nil, "model exploded")
	}

	c, _ := newTestClient(t, mg.url(), nil)
	c.Open()
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send("do a thing"))

	require.Eventually(t, func() bool {
		msgs := c.GetSnapshot().Messages
		return len(msgs) == 1 && msgs[0].Content == "model exploded" &&
			!msgs[0].Pending && !msgs[0].Streaming
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateConnected, c.GetSnapshot().ConnectionState,
		"a stream error must not affect connection state")
}

func TestClient_SendWhileRunActive(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.chatScript = func(mg *mockGateway, conn *websocket.Conn, params chatSendParams, runID string) {
		time.Sleep(300 * time.Millisecond)
		mg.sendChatEvent(conn, stateFinal, params.SessionKey, runID, textMessage("assistant", "done"), "")
	}

	c, _ := newTestClient(t, mg.url(), nil)
	c.Open()
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send("first"))
	assert.ErrorIs(t, c.Send("second"), perrors.ErrRunActive)
}

func TestClient_RPCTimeout(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.muteChat = true

	c, _ := newTestClient(t, mg.url(), func(cfg *Config) {
		cfg.CallTimeout = 100 * time.Millisecond
	})
	c.Open()
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send("anyone home?"))

	require.Eventually(t, func() bool {
		msgs := c.GetSnapshot().Messages
		return len(msgs) == 1 && msgs[0].Content == perrors.ErrTimeout.Error() &&
			!msgs[0].Streaming
	}, 3*time.Second, 10*time.Millisecond, "timed-out send converts the placeholder")
}

func TestClient_LateResponseDiscarded(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.chatDelay = 300 * time.Millisecond // response lands after the call deadline

	c, _ := newTestClient(t, mg.url(), func(cfg *Config) {
		cfg.CallTimeout = 50 * time.Millisecond
	})
	c.Open()
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send("slow"))

	require.Eventually(t, func() bool {
		msgs := c.GetSnapshot().Messages
		return len(msgs) == 1 && msgs[0].Content == perrors.ErrTimeout.Error()
	}, 3*time.Second, 10*time.Millisecond)

	// Let the late response arrive; it matches nothing and must change nothing.
	time.Sleep(400 * time.Millisecond)
	msgs := c.GetSnapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, perrors.ErrTimeout.Error(), msgs[0].Content)
}

func TestClient_TransportCloseRejectsAllPending(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()

	c, _ := newTestClient(t, mg.url(), nil)
	c.Open()
	waitState(t, c, StateConnected)

	// Issue several calls the mock will never answer, then cut the socket.
	results := make(chan error, 3)
	c.post(func() {
		for i := 0; i < 3; i++ {
			c.call("noop", struct{}{}, func(_ json.RawMessage, err error) {
				results <- err
			})
		}
	})

	mg.closeConns()

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, perrors.ErrConnectionClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("pending call was never rejected")
		}
	}

	pendingLeft := make(chan int, 1)
	c.post(func() { pendingLeft <- len(c.pending) })
	assert.Equal(t, 0, <-pendingLeft, "pending table must be empty after bulk rejection")
}

func TestClient_BackoffSequence(t *testing.T) {
	c, _ := newTestClient(t, "ws://127.0.0.1:1/ws/gateway", func(cfg *Config) {
		cfg.ReconnectBase = 3 * time.Second
		cfg.ReconnectMax = 30 * time.Second
		cfg.ReconnectAttempts = 5
	})

	var mu sync.Mutex
	var delays []time.Duration
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		n := len(delays)
		mu.Unlock()
		if n <= 5 {
			fn() // drive the next attempt without waiting
		}
		return time.AfterFunc(time.Hour, func() {})
	}

	c.Open()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) == 5 && c.GetSnapshot().ConnectionState == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	// No 6th attempt is ever scheduled.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second,
	}, delays)
	mu.Unlock()

	snap := c.GetSnapshot()
	assert.Equal(t, StateDisconnected, snap.ConnectionState)
	assert.NotEmpty(t, snap.ConnectionError)
}

func TestClient_ManualReconnectResetsBackoff(t *testing.T) {
	c, _ := newTestClient(t, "ws://127.0.0.1:1/ws/gateway", func(cfg *Config) {
		cfg.ReconnectBase = 3 * time.Second
		cfg.ReconnectMax = 30 * time.Second
		cfg.ReconnectAttempts = 5
	})

	var mu sync.Mutex
	var delays []time.Duration
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		// Never fire: the backoff stays pending until cancelled.
		return time.AfterFunc(time.Hour, func() {})
	}

	c.Open()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) == 1
	}, 3*time.Second, 10*time.Millisecond)

	c.Reconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3*time.Second, delays[1], "attempt counter resets on manual reconnect")
	mu.Unlock()
}

func TestClient_ForeignRunFinalRefreshesHistory(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()

	c, _ := newTestClient(t, mg.url(), nil)
	c.Open()
	waitState(t, c, StateConnected)
	require.Eventually(t, func() bool { return mg.historyCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// Another client finished a run in the same session.
	mg.pushChat(stateFinal, testSession, "someone-elses-run", textMessage("assistant", "elsewhere"), "")
	require.Eventually(t, func() bool { return mg.historyCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	// Events for a different session are ignored outright.
	mg.pushChat(stateFinal, "other-session", "run-x", nil, "")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, mg.historyCount())
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()

	c, _ := newTestClient(t, mg.url(), nil)
	c.Open()
	waitState(t, c, StateConnected)

	c.Close()
	c.Close()

	assert.ErrorIs(t, c.Send("hello"), perrors.ErrConnectionClosed)
	assert.Equal(t, StateDisconnected, c.GetSnapshot().ConnectionState)
}

func TestClient_RunTimeout(t *testing.T) {
	mg := newMockGateway(t, "")
	defer mg.close()
	mg.chatScript = func(mg *mockGateway, conn *websocket.Conn, params chatSendParams, runID string) {
		mg.sendChatEvent(conn, stateDelta, params.SessionKey, runID, textMessage("assistant", "thinking"), "")
		// ...and then never a terminal event.
	}

	c, _ := newTestClient(t, mg.url(), func(cfg *Config) {
		cfg.RunTimeout = 150 * time.Millisecond
	})
	c.Open()
	waitState(t, c, StateConnected)

	require.NoError(t, c.Send("stall out"))

	require.Eventually(t, func() bool {
		msgs := c.GetSnapshot().Messages
		return len(msgs) == 1 && !msgs[0].Streaming && !msgs[0].Pending &&
			strings.Contains(msgs[0].Content, "did not finish")
	}, 3*time.Second, 10*time.Millisecond)

	// A new send is accepted once the stale run is cleared.
	require.NoError(t, c.Send("try again"))
}
