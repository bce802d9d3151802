package registry

import (
	"sync"
	"time"

	"github.com/mkorolev/listsync/internal/protocol"
)

// State is the lifecycle phase of one live connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the raw outbound side of a connection. Implementations are
// expected to enforce their own write deadline so a stuck peer cannot wedge
// the writer goroutine.
type Transport interface {
	Send(env protocol.Envelope) error
	Close() error
}

// subscription tracks delivery progress for one list on one connection.
// lastSeq is the highest event sequence already forwarded; deliveries at or
// below it are duplicates and are dropped.
type subscription struct {
	lastSeq int64
}

// Connection is one live client connection and its subscriptions. All fields
// behind mu; the send channel is drained by a dedicated writer goroutine.
type Connection struct {
	ID     string
	UserID string

	mu       sync.Mutex
	state    State
	lastSeen time.Time
	subs     map[string]*subscription

	send      chan protocol.Envelope
	transport Transport
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch records inbound activity for the heartbeat window.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// Subscriptions returns the list ids this connection is subscribed to.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

// enqueue places an envelope on the send buffer. It reports false when the
// connection is shutting down or the buffer is full (slow consumer); the
// caller then closes the connection and the client recovers via
// reconciliation on reconnect.
func (c *Connection) enqueue(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(env)
}

// enqueueLocked is enqueue with c.mu already held. Sequence-ordered delivery
// must enqueue in the same critical section that advances the subscription's
// lastSeq, otherwise two dispatchers can swap their channel sends.
func (c *Connection) enqueueLocked(env protocol.Envelope) bool {
	if c.state == StateClosing || c.state == StateClosed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}
