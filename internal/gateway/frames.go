package gateway

import "encoding/json"

// Protocol frames for the agent gateway (protocol v3). Every frame is a
// single JSON text message on the WebSocket.

// wsFrame is a raw protocol frame.
type wsFrame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *wsError        `json:"error,omitempty"`   // response error
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// connectParams is sent as the "connect" request after the challenge.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	UserAgent   string        `json:"userAgent,omitempty"`
	Locale      string        `json:"locale,omitempty"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// chatSendParams is the "chat.send" request params.
type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// chatSendResult is the "chat.send" response payload. The gateway may assign
// its own run identifier distinct from the idempotency key.
type chatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// chatEvent is an inbound "chat" event. Fields sit at the top level of the
// frame alongside type/event, so it is decoded from the raw frame bytes.
type chatEvent struct {
	State        string       `json:"state"` // "delta", "final", "aborted", "error"
	SessionKey   string       `json:"sessionKey"`
	RunID        string       `json:"runId"`
	Message      *wireMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// historyParams is the "chat.history" request params.
type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// historyResult is the "chat.history" response payload.
type historyResult struct {
	Messages []wireMessage `json:"messages"`
}

// wireMessage is a transcript entry as the gateway encodes it.
type wireMessage struct {
	ID        string      `json:"id,omitempty"`
	Role      string      `json:"role"`
	Content   contentList `json:"content"`
	Timestamp int64       `json:"timestamp,omitempty"` // unix ms
}

// wireContent is one structured content block.
type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// contentList accepts both a plain string and an array of content blocks;
// the gateway emits either depending on message age.
type contentList []wireContent

func (cl *contentList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*cl = contentList{{Type: "text", Text: s}}
		return nil
	}
	var blocks []wireContent
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*cl = contentList(blocks)
	return nil
}

// Chat event states.
const (
	stateDelta   = "delta"
	stateFinal   = "final"
	stateAborted = "aborted"
	stateError   = "error"
)

const (
	eventChallenge = "connect.challenge"
	eventChat      = "chat"
)
