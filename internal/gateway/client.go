// Package gateway implements a persistent chat client for the agent gateway:
// a single authenticated WebSocket over which request/response calls and
// server-pushed streaming events are multiplexed. The client reconnects with
// bounded exponential backoff and exposes conversation state to any number of
// observers through immutable snapshots.
//
// All mutable state (the pending-request table, the active run, the message
// log, connection state) is owned by one run-loop goroutine. Inbound frames,
// timer expirations, and caller operations are posted onto that loop, so no
// field below the "owned by the run loop" marker needs a lock.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/jndoye/pikaboard/internal/errors"
	"github.com/jndoye/pikaboard/internal/metrics"
)

const (
	protocolMin   = 3
	protocolMax   = 3
	clientVersion = "pikaboard/1.0"
)

// Config holds gateway client configuration.
type Config struct {
	// URL is the WebSocket URL, e.g. "ws://localhost:18789/ws/gateway".
	URL string

	// SessionKey scopes the conversation; stream events for other sessions
	// are ignored.
	SessionKey string

	// ClientID identifies this client to the gateway.
	ClientID string

	// Scopes requested in the handshake.
	Scopes []string

	UserAgent string
	Locale    string

	// CallTimeout is the per-RPC deadline.
	CallTimeout time.Duration

	// RunTimeout bounds a streaming run that never reaches a terminal event.
	RunTimeout time.Duration

	// ReconnectBase/ReconnectMax shape the backoff; ReconnectAttempts caps it.
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// HistoryLimit bounds the chat.history item count.
	HistoryLimit int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:18789/ws/gateway",
		SessionKey:        "pikaboard-main",
		ClientID:          "pikaboard-chat",
		Scopes:            []string{"chat"},
		UserAgent:         clientVersion,
		Locale:            "en-US",
		CallTimeout:       30 * time.Second,
		RunTimeout:        10 * time.Minute,
		ReconnectBase:     3 * time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,
		HistoryLimit:      200,
	}
}

// pendingCall is one in-flight RPC. It is settled exactly once: by a matching
// response, by its deadline, or by bulk rejection when the transport closes.
type pendingCall struct {
	id      string
	method  string
	started time.Time
	timer   *time.Timer
	done    func(payload json.RawMessage, err error)
}

// activeRun tracks the single in-flight chat exchange.
type activeRun struct {
	runID      string
	sessionKey string
	messageID  string
	timer      *time.Timer
}

type handshakePhase int

const (
	hsIdle handshakePhase = iota
	hsWaitingChallenge
	hsAuthenticating
	hsReady
)

// Client is a persistent chat client for the agent gateway.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	tokens  TokenSource
	metrics *metrics.Metrics
	obs     *observable

	cmds chan func()
	done chan struct{}

	// afterFunc mirrors time.AfterFunc; tests substitute it to observe
	// scheduled delays without wall-clock waits.
	afterFunc func(time.Duration, func()) *time.Timer

	// Owned by the run loop goroutine.
	conn       *transport
	epoch      int // increments per connection; stale transport events are dropped
	phase      handshakePhase
	pending    map[string]*pendingCall
	run        *activeRun
	messages   []Message
	connState  ConnectionState
	connErr    string
	attempt    int
	retry      retryPolicy
	retryTimer *time.Timer
	opened     bool
	closed     bool
}

// New creates a gateway client and starts its run loop. The client stays
// idle until Open is called.
func New(cfg Config, tokens TokenSource, m *metrics.Metrics, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = def.SessionKey
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = def.Scopes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Locale == "" {
		cfg.Locale = def.Locale
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway-client").Logger(),
		tokens:    tokens,
		metrics:   m,
		obs:       newObservable(),
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		afterFunc: time.AfterFunc,
		pending:   make(map[string]*pendingCall),
		connState: StateDisconnected,
		retry: retryPolicy{
			base:     cfg.ReconnectBase,
			max:      cfg.ReconnectMax,
			attempts: cfg.ReconnectAttempts,
		},
	}
	go c.loop()
	return c
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// post schedules fn on the run loop. Returns false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// --- Public API ---

// Subscribe registers fn to be called with a fresh snapshot after every state
// mutation. The returned function removes the subscription.
func (c *Client) Subscribe(fn func(Snapshot)) func() {
	return c.obs.subscribe(fn)
}

// GetSnapshot returns the latest published snapshot.
func (c *Client) GetSnapshot() Snapshot {
	return c.obs.snapshot()
}

// Open begins connecting. It is a no-op when already opened or closed.
func (c *Client) Open() {
	c.post(func() {
		if c.closed || c.opened {
			return
		}
		c.opened = true
		c.startConnect()
	})
}

// Reconnect cancels any pending backoff, resets the attempt counter, and
// dials immediately.
func (c *Client) Reconnect() {
	c.post(func() {
		if c.closed {
			return
		}
		c.opened = true
		c.cancelRetry()
		c.attempt = 0
		c.dropTransport()
		c.rejectAll(perrors.ErrConnectionClosed)
		if c.run != nil {
			c.failRun(c.run.messageID, "connection closed")
		}
		c.startConnect()
	})
}

// Send issues a chat message. It returns ErrNotConnected when the connection
// is not ready (the message log is left untouched and no frame is written)
// and ErrRunActive while a previous exchange is still streaming.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return perrors.ErrInvalidInput
	}
	errCh := make(chan error, 1)
	if !c.post(func() { errCh <- c.handleSend(text) }) {
		return perrors.ErrConnectionClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return perrors.ErrConnectionClosed
	}
}

// Connected reports whether the handshake has completed on a live socket.
func (c *Client) Connected() bool {
	return c.GetSnapshot().ConnectionState == StateConnected
}

// Close tears the client down: the pending backoff timer is cancelled, the
// socket is closed, all pending calls are rejected, and the active run is
// cleared. The client cannot be reused afterwards.
func (c *Client) Close() {
	c.post(func() {
		if c.closed {
			return
		}
		c.closed = true
		c.cancelRetry()
		c.dropTransport()
		c.rejectAll(perrors.ErrConnectionClosed)
		if c.run != nil {
			mid := c.run.messageID
			c.clearRun()
			c.removeMessage(mid)
		}
		c.connState = StateDisconnected
		c.connErr = ""
		c.publish()
		close(c.done)
	})
}

// --- Connection lifecycle (run loop) ---

func (c *Client) startConnect() {
	c.connState = StateConnecting
	c.connErr = ""
	c.phase = hsIdle
	c.publish()

	epoch := c.epoch
	go c.dial(epoch)
}

// dial runs off-loop; the result is posted back with its epoch so a stale
// outcome cannot clobber a newer connection.
func (c *Client) dial(epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	t, err := dialGateway(ctx, c.cfg.URL)
	c.post(func() {
		if c.closed || epoch != c.epoch {
			if t != nil {
				t.close()
			}
			return
		}
		if err != nil {
			c.metrics.RecordConnect("error")
			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("gateway dial failed")
			c.transportDown(err.Error())
			return
		}

		c.conn = t
		c.phase = hsWaitingChallenge
		c.logger.Debug().Str("url", c.cfg.URL).Msg("socket open, waiting for challenge")

		go t.readPump(
			func(raw []byte) {
				c.post(func() {
					if !c.closed && epoch == c.epoch {
						c.handleFrame(raw)
					}
				})
			},
			func(readErr error) {
				c.post(func() {
					if !c.closed && epoch == c.epoch {
						c.logger.Warn().Err(readErr).Msg("gateway socket closed")
						c.transportDown("connection lost")
					}
				})
			},
		)
	})
}

// transportDown handles any non-deliberate loss of the socket: it rejects
// every outstanding call exactly once, fails the active run, and schedules a
// backed-off reconnect until the attempt ceiling is reached.
func (c *Client) transportDown(msg string) {
	c.dropTransport()
	c.rejectAll(perrors.ErrConnectionClosed)
	if c.run != nil {
		c.failRun(c.run.messageID, msg)
	}

	if c.connErr == "" {
		c.connErr = msg
	}
	c.connState = StateDisconnected

	if c.retry.exhausted(c.attempt) {
		c.logger.Error().Int("attempts", c.attempt).Msg("gateway reconnect attempts exhausted")
		c.publish()
		return
	}

	delay := c.retry.delay(c.attempt)
	c.attempt++
	c.metrics.RecordReconnect()
	c.logger.Info().Dur("delay", delay).Int("attempt", c.attempt).Msg("scheduling gateway reconnect")
	c.retryTimer = c.afterFunc(delay, func() {
		c.post(func() {
			if c.closed || c.connState == StateConnecting {
				return
			}
			c.startConnect()
		})
	})
	c.publish()
}

// dropTransport closes the socket (idempotently) and bumps the epoch so any
// in-flight events from it are discarded.
func (c *Client) dropTransport() {
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
	c.epoch++
	c.phase = hsIdle
}

func (c *Client) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// --- Frame dispatch (run loop) ---

func (c *Client) handleFrame(raw []byte) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("discarding malformed frame")
		return
	}

	switch frame.Type {
	case "res":
		pc, ok := c.pending[frame.ID]
		if !ok {
			c.logger.Debug().Str("id", frame.ID).Msg("discarding unmatched response")
			return
		}
		if frame.OK != nil && *frame.OK {
			c.settle(frame.ID, frame.Payload, nil)
			return
		}
		rpcErr := &perrors.RPCError{Method: pc.method, Message: "request failed"}
		if frame.Error != nil {
			rpcErr.Code = frame.Error.Code
			rpcErr.Message = frame.Error.Message
		}
		c.settle(frame.ID, nil, rpcErr)

	case "event":
		switch frame.Event {
		case eventChallenge:
			c.handleChallenge()
		case eventChat:
			var ev chatEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.logger.Warn().Err(err).Msg("discarding malformed chat event")
				return
			}
			c.handleChatEvent(ev)
		default:
			c.logger.Trace().Str("event", frame.Event).Msg("ignoring event")
		}
	}
}

// --- Handshake (run loop) ---

// handleChallenge fetches the credential off-loop, then issues the connect
// call. No application RPC is sent before the handshake resolves.
func (c *Client) handleChallenge() {
	if c.phase != hsWaitingChallenge {
		return
	}
	c.phase = hsAuthenticating

	epoch := c.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, err := c.tokens.Token(ctx)
		c.post(func() {
			if c.closed || epoch != c.epoch {
				return
			}
			if err != nil {
				c.logger.Error().Err(err).Msg("fetching gateway credential failed")
				c.authFailed()
				return
			}
			c.sendConnect(token)
		})
	}()
}

func (c *Client) sendConnect(token string) {
	params := connectParams{
		MinProtocol: protocolMin,
		MaxProtocol: protocolMax,
		Client: connectClient{
			ID:       c.cfg.ClientID,
			Version:  clientVersion,
			Platform: "linux",
			Mode:     "backend",
		},
		Role:      "operator",
		Scopes:    c.cfg.Scopes,
		Caps:      []string{},
		Auth:      &connectAuth{Token: token},
		UserAgent: c.cfg.UserAgent,
		Locale:    c.cfg.Locale,
	}

	c.call("connect", params, func(_ json.RawMessage, err error) {
		if err != nil {
			if errors.Is(err, perrors.ErrConnectionClosed) || errors.Is(err, perrors.ErrTimeout) {
				// Transport already failed; the close path reschedules.
				c.logger.Warn().Err(err).Msg("handshake interrupted")
				return
			}
			c.logger.Error().Err(err).Msg("gateway rejected handshake")
			c.authFailed()
			return
		}

		c.phase = hsReady
		c.attempt = 0
		c.connState = StateConnected
		c.connErr = ""
		c.metrics.RecordConnect("ok")
		c.logger.Info().Str("url", c.cfg.URL).Msg("gateway handshake complete")
		c.publish()
		c.syncHistory()
	})
}

// authFailed discards the cached credential and closes the transport, which
// in turn drives the retry scheduler.
func (c *Client) authFailed() {
	c.tokens.Invalidate()
	c.metrics.RecordConnect("auth_failed")
	c.connErr = "Authentication failed"
	c.connState = StateDisconnected
	c.publish()
	if c.conn != nil {
		c.conn.close()
	}
}

// --- RPC correlation (run loop) ---

// call issues a correlated request. done is invoked exactly once on the run
// loop: with the response payload, with an RPCError from the wire, with
// ErrTimeout after CallTimeout, or with ErrConnectionClosed on transport loss.
func (c *Client) call(method string, params any, done func(json.RawMessage, error)) {
	if c.conn == nil {
		done(nil, perrors.ErrNotConnected)
		return
	}

	raw, err := json.Marshal(params)
	if err != nil {
		done(nil, fmt.Errorf("marshaling %s params: %w", method, err))
		return
	}

	id := uuid.New().String()
	pc := &pendingCall{id: id, method: method, started: time.Now(), done: done}
	pc.timer = c.afterFunc(c.cfg.CallTimeout, func() {
		c.post(func() { c.settle(id, nil, perrors.ErrTimeout) })
	})
	c.pending[id] = pc

	frame := wsFrame{Type: "req", ID: id, Method: method, Params: raw}
	if err := c.conn.send(frame); err != nil {
		c.settle(id, nil, fmt.Errorf("sending %s: %w", method, err))
	}
}

// settle resolves or rejects a pending call exactly once. Late responses and
// already-settled identifiers are discarded.
func (c *Client) settle(id string, payload json.RawMessage, err error) {
	pc, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	pc.timer.Stop()

	status := "ok"
	switch {
	case errors.Is(err, perrors.ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	c.metrics.RecordRPC(pc.method, status, time.Since(pc.started).Seconds())

	pc.done(payload, err)
}

// rejectAll fails every outstanding call in one pass and clears the table.
// The id set is snapshotted first so calls issued from within a rejection
// callback are not swept up.
func (c *Client) rejectAll(err error) {
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	for _, id := range ids {
		c.settle(id, nil, err)
	}
}

// --- Streaming reconciliation (run loop) ---

func (c *Client) handleSend(text string) error {
	if c.closed {
		return perrors.ErrConnectionClosed
	}
	if c.connState != StateConnected || c.conn == nil {
		return perrors.ErrNotConnected
	}
	if c.run != nil {
		return perrors.ErrRunActive
	}

	id := uuid.New().String()
	run := &activeRun{runID: id, sessionKey: c.cfg.SessionKey, messageID: id}
	if c.cfg.RunTimeout > 0 {
		run.timer = c.afterFunc(c.cfg.RunTimeout, func() {
			c.post(func() { c.failRun(id, "the agent did not finish in time") })
		})
	}
	c.run = run

	c.messages = append(c.messages, Message{
		ID:        id,
		Role:      "assistant",
		Timestamp: time.Now(),
		Pending:   true,
		Streaming: true,
	})

	params := chatSendParams{
		SessionKey:     c.cfg.SessionKey,
		Message:        text,
		Deliver:        false,
		IdempotencyKey: id,
	}
	c.call("chat.send", params, func(payload json.RawMessage, err error) {
		if err != nil {
			c.failRun(id, err.Error())
			return
		}
		// The gateway may assign its own run identifier; adopt it so stream
		// events pass the run-identity filter.
		var res chatSendResult
		if json.Unmarshal(payload, &res) == nil && res.RunID != "" &&
			c.run != nil && c.run.messageID == id {
			c.run.runID = res.RunID
		}
	})

	c.publish()
	return nil
}

// handleChatEvent applies one stream event, filtered first by session
// identity and then by run identity.
func (c *Client) handleChatEvent(ev chatEvent) {
	if ev.SessionKey != c.cfg.SessionKey {
		return
	}
	c.metrics.RecordStreamEvent(ev.State)

	if c.run == nil || c.run.runID != ev.RunID {
		// A concurrent actor may have changed the authoritative transcript.
		if ev.State == stateFinal && c.phase == hsReady {
			c.syncHistory()
		}
		return
	}

	switch ev.State {
	case stateDelta:
		// Delta events carry the cumulative text-so-far: replace, not append.
		var text string
		var tools []string
		if ev.Message != nil {
			text, tools = flattenContent(ev.Message.Content)
		}
		c.updateMessage(c.run.messageID, func(m *Message) {
			m.Content = text
			if len(tools) > 0 {
				m.ToolCalls = tools
			}
		})
		c.publish()

	case stateFinal:
		mid := c.run.messageID
		c.clearRun()
		c.updateMessage(mid, func(m *Message) {
			m.Pending = false
			m.Streaming = false
			if ev.Message != nil {
				if text, tools := flattenContent(ev.Message.Content); text != "" {
					m.Content = text
					if len(tools) > 0 {
						m.ToolCalls = tools
					}
				}
			}
		})
		c.publish()
		c.syncHistory()

	case stateAborted:
		mid := c.run.messageID
		c.clearRun()
		c.removeMessage(mid)
		c.publish()

	case stateError:
		msg := ev.ErrorMessage
		if msg == "" {
			msg = "agent run failed"
		}
		c.failRun(c.run.messageID, msg)
	}
}

// failRun converts the active run's placeholder into a terminal error
// message. It is a no-op when the run no longer matches.
func (c *Client) failRun(messageID, text string) {
	if c.run == nil || c.run.messageID != messageID {
		return
	}
	c.clearRun()
	c.updateMessage(messageID, func(m *Message) {
		m.Content = text
		m.Pending = false
		m.Streaming = false
	})
	c.metrics.RecordError("gateway", "stream")
	c.publish()
}

func (c *Client) clearRun() {
	if c.run != nil && c.run.timer != nil {
		c.run.timer.Stop()
	}
	c.run = nil
}

// --- History synchronization (run loop) ---

// syncHistory fetches the authoritative transcript and replaces the local
// log wholesale. This is the self-healing path after reconnects, concurrent
// writers, and completed runs.
func (c *Client) syncHistory() {
	if c.conn == nil {
		return
	}
	params := historyParams{SessionKey: c.cfg.SessionKey, Limit: c.cfg.HistoryLimit}
	c.call("chat.history", params, func(payload json.RawMessage, err error) {
		if err != nil {
			c.logger.Warn().Err(err).Msg("history fetch failed")
			c.metrics.RecordError("gateway", "history")
			return
		}
		msgs, err := parseHistory(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("history payload unusable")
			c.metrics.RecordError("gateway", "history")
			return
		}
		// Keep the placeholder of a run that started after this fetch was
		// issued; its own terminal event will reconcile it.
		if c.run != nil {
			for _, m := range c.messages {
				if m.ID == c.run.messageID {
					msgs = append(msgs, m)
					break
				}
			}
		}
		c.messages = msgs
		c.publish()
	})
}

// --- Message log helpers (run loop) ---

func (c *Client) updateMessage(id string, fn func(*Message)) {
	for i := range c.messages {
		if c.messages[i].ID == id {
			fn(&c.messages[i])
			return
		}
	}
}

func (c *Client) removeMessage(id string) {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

// publish builds a fresh snapshot and broadcasts it. Snapshot identity
// changes on every call so reference-equality change detection works.
func (c *Client) publish() {
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	c.obs.publish(Snapshot{
		ConnectionState: c.connState,
		ConnectionError: c.connErr,
		Messages:        msgs,
	})
}
