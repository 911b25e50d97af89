package gateway

import (
	"sync"
	"time"
)

// ConnectionState describes the client's relationship to the gateway.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Message is one entry in the conversation log.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	ToolCalls []string  `json:"toolCalls,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending"`
	Streaming bool      `json:"streaming"`
}

// Snapshot is an immutable point-in-time view of client state. A fresh value
// is published on every mutation; consumers must never be handed references
// into internal structures.
type Snapshot struct {
	ConnectionState ConnectionState `json:"connectionState"`
	ConnectionError string          `json:"connectionError,omitempty"`
	Messages        []Message       `json:"messages"`
}

// observable fan-outs snapshots to subscribers and retains the latest one.
// Publishing happens only from the client's run loop, so callbacks are never
// invoked re-entrantly.
type observable struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Snapshot)
	snap   Snapshot
}

func newObservable() *observable {
	return &observable{
		subs: make(map[int]func(Snapshot)),
		snap: Snapshot{ConnectionState: StateDisconnected, Messages: []Message{}},
	}
}

// subscribe registers fn and returns a function that removes it again.
func (o *observable) subscribe(fn func(Snapshot)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// snapshot returns the latest published snapshot.
func (o *observable) snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// publish stores snap and invokes every subscriber synchronously. The lock is
// released before callbacks run so a callback may subscribe or read freely.
func (o *observable) publish(snap Snapshot) {
	o.mu.Lock()
	o.snap = snap
	fns := make([]func(Snapshot), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
