package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jndoye/pikaboard/internal/board"
	"github.com/jndoye/pikaboard/internal/characters"
	perrors "github.com/jndoye/pikaboard/internal/errors"
	"github.com/jndoye/pikaboard/internal/gateway"
	"github.com/jndoye/pikaboard/internal/health"
	"github.com/jndoye/pikaboard/internal/metrics"
)

// fakeChat implements the Chat interface with scripted behavior.
type fakeChat struct {
	mu         sync.Mutex
	snap       gateway.Snapshot
	sendErr    error
	sent       []string
	reconnects int
}

func (f *fakeChat) GetSnapshot() gateway.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeChat) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChat) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

type testEnv struct {
	app   *fiber.App
	store *board.Store
	chat  *fakeChat
}

func newTestEnv(t *testing.T, auth AuthConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := board.New(filepath.Join(t.TempDir(), "board.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rosterDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rosterDir, "pika.yaml"),
		[]byte("id: pika\nname: Pika\nrole: Mascot\n"), 0o644))
	roster, err := characters.Load(rosterDir)
	require.NoError(t, err)

	chat := &fakeChat{snap: gateway.Snapshot{
		ConnectionState: gateway.StateConnected,
		Messages:        []gateway.Message{},
	}}

	checker := health.NewChecker(logger)
	m := metrics.New()
	minter := NewTokenMinter("test-secret", 5*time.Minute, "pikaboard-chat")
	handlers := NewHandlers(store, roster, chat, minter, checker, nil, m, logger)

	srv := NewServer(ServerConfig{ListenAddr: ":0", Auth: auth}, handlers, checker, m, logger)
	return &testEnv{app: srv.App(), store: store, chat: chat}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	resp.Body.Close()
	return v
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_AuthRequired(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "bearer", Token: "sekrit"})

	// No header
	resp := doJSON(t, env.app, "GET", "/api/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token
	resp = doJSON(t, env.app, "GET", "/api/tasks", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Right token
	resp = doJSON(t, env.app, "GET", "/api/tasks", nil,
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Probes stay open
	resp = doJSON(t, env.app, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_TaskLifecycle(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "POST", "/api/tasks", createTaskRequest{
		Title:       "Draw the mascot",
		Notes:       "pixel art",
		CharacterID: "pika",
	}, map[string]string{"X-Actor": "jade"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[board.Task](t, resp)
	assert.Equal(t, board.StatusTodo, created.Status)

	resp = doJSON(t, env.app, "POST", "/api/tasks/"+created.ID+"/move",
		moveTaskRequest{Status: board.StatusDoing, Position: 1}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	moved := decode[board.Task](t, resp)
	assert.Equal(t, board.StatusDoing, moved.Status)

	title := "Draw the mascot (v2)"
	resp = doJSON(t, env.app, "PATCH", "/api/tasks/"+created.ID,
		updateTaskRequest{Title: &title}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[board.Task](t, resp)
	assert.Equal(t, title, updated.Title)

	resp = doJSON(t, env.app, "GET", "/api/activity", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	feed := decode[map[string][]board.Activity](t, resp)
	require.GreaterOrEqual(t, len(feed["activity"]), 2)
	assert.Equal(t, "jade", feed["activity"][len(feed["activity"])-1].Actor)

	resp = doJSON(t, env.app, "DELETE", "/api/tasks/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, env.app, "GET", "/api/tasks/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_TaskValidation(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "POST", "/api/tasks",
		createTaskRequest{Title: "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, env.app, "POST", "/api/tasks",
		createTaskRequest{Title: "ok", CharacterID: "nobody"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, env.app, "POST", "/api/tasks/no-such-id/move",
		moveTaskRequest{Status: board.StatusDone, Position: 1}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Characters(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "GET", "/api/characters", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]characters.Character](t, resp)
	require.Len(t, body["characters"], 1)
	assert.Equal(t, "Pika", body["characters"][0].Name)

	resp = doJSON(t, env.app, "GET", "/api/characters/pika", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, env.app, "GET", "/api/characters/mewtwo", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ChatEndpoints(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "GET", "/api/chat/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[gateway.Snapshot](t, resp)
	assert.Equal(t, gateway.StateConnected, snap.ConnectionState)

	resp = doJSON(t, env.app, "POST", "/api/chat/send",
		chatSendRequest{Message: "hi pika"}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"hi pika"}, env.chat.sent)

	resp = doJSON(t, env.app, "POST", "/api/chat/reconnect", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.chat.reconnects)
}

func TestServer_ChatSendErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{perrors.ErrInvalidInput, http.StatusBadRequest},
		{perrors.ErrNotConnected, http.StatusServiceUnavailable},
		{perrors.ErrRunActive, http.StatusConflict},
	}
	for _, tc := range cases {
		env := newTestEnv(t, AuthConfig{Mode: "none"})
		env.chat.sendErr = tc.err

		resp := doJSON(t, env.app, "POST", "/api/chat/send",
			chatSendRequest{Message: "x"}, nil)
		assert.Equal(t, tc.code, resp.StatusCode, "for %v", tc.err)
	}
}

func TestServer_GatewayToken(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "GET", "/api/gateway/token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[tokenResponse](t, resp)
	assert.NotEmpty(t, body.Token)
	assert.Greater(t, body.ExpiresAt, time.Now().UnixMilli())
	assert.LessOrEqual(t, body.ExpiresAt, time.Now().Add(6*time.Minute).UnixMilli())
}

func TestServer_Readyz(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: "none"})

	resp := doJSON(t, env.app, "GET", "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReadyzDown(t *testing.T) {
	logger := zerolog.Nop()
	store, err := board.New(filepath.Join(t.TempDir(), "board.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	roster, err := characters.Load("")
	require.NoError(t, err)

	checker := health.NewChecker(logger)
	checker.Register("gateway", func(ctx context.Context) health.Status {
		return health.StatusDown
	})

	m := metrics.New()
	handlers := NewHandlers(store, roster, nil, nil, checker, nil, m, logger)
	srv := NewServer(ServerConfig{Auth: AuthConfig{Mode: "none"}}, handlers, checker, m, logger)

	resp := doJSON(t, srv.App(), "GET", "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Chat endpoints degrade cleanly when chat is not configured.
	resp = doJSON(t, srv.App(), "GET", "/api/chat/snapshot", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
