package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	perrors "github.com/jndoye/pikaboard/internal/errors"
)

// transport wraps a single WebSocket connection. It is a pure transport:
// open, send, close, and raw inbound-frame delivery. Reconnect policy lives
// in the client.
type transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// dialGateway opens the underlying socket.
func dialGateway(ctx context.Context, url string) (*transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &perrors.ConnectError{URL: url, Err: err}
	}
	return &transport{conn: conn}, nil
}

// send writes a single JSON frame. Callers must check connection state first.
func (t *transport) send(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// close tears down the socket; safe to call more than once.
func (t *transport) close() {
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
}

// readPump delivers raw inbound frames until the socket dies, then reports
// the terminating error exactly once.
func (t *transport) readPump(onFrame func([]byte), onClosed func(error)) {
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			onClosed(err)
			return
		}
		onFrame(msg)
	}
}
