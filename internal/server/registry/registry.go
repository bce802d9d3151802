// Package registry is the per-server-instance table of live client
// connections: which lists each is subscribed to, how far each subscription
// has been delivered, and connection liveness. The registry consumes broker
// messages and fans events out to local subscribers, deduplicating by
// sequence and gap-filling from the event log whenever it observes a jump,
// so at-least-once, possibly reordered broker delivery still yields in-order,
// exactly-once delivery per list per connection.
//
// Subscription state is private to this instance; peers learn about events
// only through the broker.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/protocol"
	"github.com/mkorolev/listsync/internal/server/broker"
	"github.com/mkorolev/listsync/internal/server/metrics"
	"github.com/mkorolev/listsync/internal/server/models"
)

const (
	// HeartbeatInterval is the expected client keep-alive cadence.
	HeartbeatInterval = 30 * time.Second

	// idleTimeout closes a connection after three missed heartbeats.
	idleTimeout = 3 * HeartbeatInterval

	sendBuffer = 64
)

// EventSource supplies ordered events for gap-filling; implemented by the
// sync coordinator.
type EventSource interface {
	EventsSince(ctx context.Context, listID string, seq int64) ([]models.Event, error)
}

// Registry tracks this instance's live connections.
type Registry struct {
	source  EventSource
	logger  logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	conns  map[string]*Connection
	byList map[string]map[string]*Connection

	idleTimeout time.Duration
}

// New builds an empty registry. metrics may be nil in tests.
func New(source EventSource, logger logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		source:      source,
		logger:      logger.With("component", "registry"),
		metrics:     m,
		conns:       make(map[string]*Connection),
		byList:      make(map[string]map[string]*Connection),
		idleTimeout: idleTimeout,
	}
}

// Register admits a new connection in CONNECTING state and starts its writer
// goroutine.
func (r *Registry) Register(t Transport) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		state:     StateConnecting,
		lastSeen:  time.Now(),
		subs:      make(map[string]*subscription),
		send:      make(chan protocol.Envelope, sendBuffer),
		transport: t,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.LiveConnections.Inc()
	}

	go r.writeLoop(c)
	return c
}

// Authenticate moves a CONNECTING connection to AUTHENTICATED.
func (r *Registry) Authenticate(c *Connection, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return common.ErrConnectionClosed
	}
	c.UserID = userID
	c.state = StateAuthenticated
	c.lastSeen = time.Now()
	return nil
}

// Subscribe registers interest in a list and replays events newer than
// sinceSeq before live delivery, closing the race between the client's
// snapshot fetch and the live stream. The first subscription moves the
// connection to ACTIVE. When the requested range has been pruned past the
// retention horizon a sync_required message is sent instead and the
// subscription starts from the log's current tail.
func (r *Registry) Subscribe(ctx context.Context, c *Connection, listID string, sinceSeq int64) error {
	c.mu.Lock()
	if c.state != StateAuthenticated && c.state != StateActive {
		c.mu.Unlock()
		return common.ErrConnectionClosed
	}
	sub, exists := c.subs[listID]
	if !exists {
		sub = &subscription{lastSeq: sinceSeq}
		c.subs[listID] = sub
	}
	c.state = StateActive
	c.mu.Unlock()

	r.mu.Lock()
	if r.byList[listID] == nil {
		r.byList[listID] = make(map[string]*Connection)
	}
	r.byList[listID][c.ID] = c
	r.mu.Unlock()

	if exists {
		return nil
	}

	if err := r.fill(ctx, c, listID, sub); err != nil {
		return err
	}

	return nil
}

// Unsubscribe drops interest in a list.
func (r *Registry) Unsubscribe(c *Connection, listID string) {
	c.mu.Lock()
	delete(c.subs, listID)
	c.mu.Unlock()

	r.mu.Lock()
	if m := r.byList[listID]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(r.byList, listID)
		}
	}
	r.mu.Unlock()
}

// HandleBroker is the broker.Handler fanning one message out to local
// subscribers of its list.
func (r *Registry) HandleBroker(ctx context.Context, msg broker.Message) {
	r.mu.RLock()
	subscribers := make([]*Connection, 0, len(r.byList[msg.ListID]))
	for _, c := range r.byList[msg.ListID] {
		subscribers = append(subscribers, c)
	}
	r.mu.RUnlock()

	for _, c := range subscribers {
		r.deliver(ctx, c, msg)
	}
}

// deliver advances one connection's subscription with dedupe and gap-fill.
// Holding the connection mutex across the whole step keeps sequence order
// per list even when broker dispatch and subscribe replay interleave.
func (r *Registry) deliver(ctx context.Context, c *Connection, msg broker.Message) {
	c.mu.Lock()
	sub, ok := c.subs[msg.ListID]
	if !ok || c.state != StateActive {
		c.mu.Unlock()
		return
	}

	// Duplicate delivery of an already-forwarded sequence is a no-op.
	if msg.Sequence <= sub.lastSeq {
		c.mu.Unlock()
		return
	}

	if msg.Sequence == sub.lastSeq+1 && msg.Event != nil {
		env, err := protocol.NewEnvelope(protocol.TypeEvent, "", msg.Event)
		if err != nil {
			c.mu.Unlock()
			return
		}
		sub.lastSeq = msg.Sequence
		ok := c.enqueueLocked(env)
		c.mu.Unlock()
		r.pushed(c, ok, env)
		return
	}
	c.mu.Unlock()

	// Out-of-order or headerless delivery: recover the run from the log.
	r.fill(ctx, c, msg.ListID, sub)
}

// fill streams events newer than sub.lastSeq from the log to the connection.
func (r *Registry) fill(ctx context.Context, c *Connection, listID string, sub *subscription) error {
	for {
		c.mu.Lock()
		since := sub.lastSeq
		c.mu.Unlock()

		evs, err := r.source.EventsSince(ctx, listID, since)
		if errors.Is(err, common.ErrRetentionExceeded) {
			env, envErr := protocol.NewEnvelope(protocol.TypeSyncRequired, "", protocol.SyncRequired{ListID: listID})
			if envErr == nil {
				r.push(c, env)
			}
			return nil
		}
		if err != nil {
			r.logger.Warn(ctx, "gap-fill failed", "list_id", listID, "error", err)
			return err
		}
		if len(evs) == 0 {
			return nil
		}

		for i := range evs {
			e := &evs[i]
			c.mu.Lock()
			if e.Sequence <= sub.lastSeq {
				c.mu.Unlock()
				continue
			}
			wire := e.Wire()
			env, envErr := protocol.NewEnvelope(protocol.TypeEvent, "", wire)
			if envErr != nil {
				c.mu.Unlock()
				continue
			}
			sub.lastSeq = e.Sequence
			ok := c.enqueueLocked(env)
			c.mu.Unlock()
			r.pushed(c, ok, env)
		}
	}
}

func (r *Registry) push(c *Connection, env protocol.Envelope) {
	r.pushed(c, c.enqueue(env), env)
}

// pushed finishes a push whose enqueue already happened, closing the
// connection on overflow. Kept separate so ordered delivery can enqueue
// while still holding the connection mutex, where Close must not run.
func (r *Registry) pushed(c *Connection, ok bool, env protocol.Envelope) {
	if !ok {
		r.Close(c, "send buffer overflow")
		return
	}
	if r.metrics != nil && env.Type == protocol.TypeEvent {
		r.metrics.EventsFannedOut.Inc()
	}
}

// Send enqueues an arbitrary envelope (acks, errors) for a connection.
func (r *Registry) Send(c *Connection, env protocol.Envelope) {
	r.push(c, env)
}

// Close transitions a connection to CLOSING, removes its subscriptions, and
// lets the writer drain buffered sends before the transport is closed.
func (r *Registry) Close(c *Connection, reason string) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	lists := make([]string, 0, len(c.subs))
	for id := range c.subs {
		lists = append(lists, id)
	}
	c.subs = make(map[string]*subscription)
	close(c.send)
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, c.ID)
	for _, listID := range lists {
		if m := r.byList[listID]; m != nil {
			delete(m, c.ID)
			if len(m) == 0 {
				delete(r.byList, listID)
			}
		}
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.LiveConnections.Dec()
	}

	r.logger.Info(context.Background(), "connection closing",
		"conn_id", c.ID, "user_id", c.UserID, "reason", reason)
}

// writeLoop drains the send buffer to the transport. It exits when the
// channel is closed (Close drained everything buffered) or a write fails.
func (r *Registry) writeLoop(c *Connection) {
	for env := range c.send {
		if err := c.transport.Send(env); err != nil {
			r.Close(c, "transport error")
			break
		}
	}

	_ = c.transport.Close()
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// RunJanitor sweeps idle connections until ctx is cancelled. A connection
// silent past the idle window (three missed heartbeats) is closed.
func (r *Registry) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll("server shutdown")
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	stale := make([]*Connection, 0)
	for _, c := range r.conns {
		c.mu.Lock()
		idle := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.Close(c, "heartbeat timeout")
	}
}

func (r *Registry) closeAll(reason string) {
	r.mu.RLock()
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		r.Close(c, reason)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
