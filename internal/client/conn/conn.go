// Package conn maintains the client's connection to the sync server: a
// websocket for live delivery with reconnect backoff, and a plain HTTP
// client as the fallback request/response surface.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/protocol"
)

const responseTimeout = 10 * time.Second

// Handlers receive server-initiated messages. All callbacks run on the read
// goroutine; they must not block.
type Handlers struct {
	// OnEvent fires for every delivered change or conflict-audit event.
	OnEvent func(ctx context.Context, ev protocol.Event)

	// OnConflict fires when one of this client's mutations was applied over
	// a newer version.
	OnConflict func(ctx context.Context, c protocol.Conflict)

	// OnSyncRequired fires when the server cannot gap-fill a list and a full
	// resnapshot is needed.
	OnSyncRequired func(ctx context.Context, listID string)

	// OnConnected fires after every successful auth handshake, including
	// reconnects. Used to resubscribe and trigger reconciliation.
	OnConnected func(ctx context.Context)
}

// Client is the websocket side of the connection.
type Client struct {
	endpoint string
	token    string
	handlers Handlers
	logger   logging.Logger

	backoffBase time.Duration
	backoffCap  time.Duration

	mu     sync.Mutex
	ws     *websocket.Conn
	online bool

	waitersMu sync.Mutex
	waiters   map[string]chan protocol.Envelope

	corr atomic.Int64
}

func NewClient(serverURL, token string, h Handlers, l logging.Logger, backoffBase, backoffCap time.Duration) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return &Client{
		endpoint:    u.String(),
		token:       token,
		handlers:    h,
		logger:      l.With("module", "conn"),
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		waiters:     make(map[string]chan protocol.Envelope),
	}, nil
}

// Online reports whether the websocket is currently authenticated and usable.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Run keeps the connection alive until ctx is cancelled. Each broken
// connection is redialed with capped exponential backoff; a successful
// session resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		backoff := retry.WithCappedDuration(c.backoffCap, retry.NewExponential(c.backoffBase))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := c.connect(ctx); err != nil {
				c.logger.Warn(ctx, "connect failed, will retry", "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Session established; block until the read loop exits.
		c.readLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// connect dials and completes the auth handshake.
func (c *Client) connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	env, err := protocol.NewEnvelope(protocol.TypeAuth, c.nextCorrelationID(), protocol.Auth{Token: c.token})
	if err != nil {
		ws.Close()
		return err
	}
	if err := ws.WriteJSON(env); err != nil {
		ws.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(responseTimeout)); err != nil {
		ws.Close()
		return err
	}
	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Type != protocol.TypeAuthOK {
		ws.Close()
		return fmt.Errorf("%w: auth rejected", common.ErrInvalidToken)
	}
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		ws.Close()
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.online = true
	c.mu.Unlock()

	c.logger.Info(ctx, "connected", "endpoint", c.endpoint)
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(ctx)
	}
	return nil
}

// readLoop dispatches incoming envelopes until the connection breaks.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.markOffline()
			if ctx.Err() == nil {
				c.logger.Warn(ctx, "connection lost", "error", err)
			}
			return
		}

		if env.CorrelationID != "" && c.resolveWaiter(env) {
			// Correlated conflicts also go to the handler below.
			if env.Type != protocol.TypeConflict {
				continue
			}
		}

		switch env.Type {
		case protocol.TypeEvent:
			var ev protocol.Event
			if err := env.Decode(&ev); err == nil && c.handlers.OnEvent != nil {
				c.handlers.OnEvent(ctx, ev)
			}
		case protocol.TypeConflict:
			var conflict protocol.Conflict
			if err := env.Decode(&conflict); err == nil && c.handlers.OnConflict != nil {
				c.handlers.OnConflict(ctx, conflict)
			}
		case protocol.TypeSyncRequired:
			var sr protocol.SyncRequired
			if err := env.Decode(&sr); err == nil && c.handlers.OnSyncRequired != nil {
				c.handlers.OnSyncRequired(ctx, sr.ListID)
			}
		}
	}
}

// Subscribe registers interest in a list, replaying history after sinceSeq.
func (c *Client) Subscribe(ctx context.Context, listID string, sinceSeq int64) error {
	reply, err := c.roundTrip(ctx, protocol.TypeSubscribe, protocol.Subscribe{ListID: listID, SinceSequence: sinceSeq})
	if err != nil {
		return err
	}
	if reply.Type == protocol.TypeError {
		return decodeError(reply)
	}
	return nil
}

// Submit sends one mutation and waits for the server's decision.
func (c *Client) Submit(ctx context.Context, m protocol.Mutate) (*protocol.Ack, error) {
	reply, err := c.roundTrip(ctx, protocol.TypeMutate, m)
	if err != nil {
		return nil, err
	}
	if reply.Type == protocol.TypeError {
		return nil, decodeError(reply)
	}

	var ack protocol.Ack
	if err := reply.Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return &ack, nil
}

// roundTrip sends a correlated envelope and waits for the matching reply.
func (c *Client) roundTrip(ctx context.Context, msgType string, payload any) (protocol.Envelope, error) {
	c.mu.Lock()
	ws, online := c.ws, c.online
	c.mu.Unlock()
	if !online {
		return protocol.Envelope{}, common.ErrTransportUnavailable
	}

	corrID := c.nextCorrelationID()
	env, err := protocol.NewEnvelope(msgType, corrID, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}

	ch := make(chan protocol.Envelope, 1)
	c.waitersMu.Lock()
	c.waiters[corrID] = ch
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, corrID)
		c.waitersMu.Unlock()
	}()

	c.mu.Lock()
	err = ws.WriteJSON(env)
	c.mu.Unlock()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %s", common.ErrTransportUnavailable, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(responseTimeout):
		return protocol.Envelope{}, fmt.Errorf("%w: response timeout", common.ErrTransportUnavailable)
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) resolveWaiter(env protocol.Envelope) bool {
	c.waitersMu.Lock()
	ch, ok := c.waiters[env.CorrelationID]
	if ok {
		delete(c.waiters, env.CorrelationID)
	}
	c.waitersMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (c *Client) markOffline() {
	c.mu.Lock()
	c.online = false
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (c *Client) nextCorrelationID() string {
	return "c-" + strconv.FormatInt(c.corr.Add(1), 10)
}

func decodeError(env protocol.Envelope) error {
	var perr protocol.Error
	if err := env.Decode(&perr); err != nil {
		return errors.New("malformed error payload")
	}
	switch perr.Code {
	case protocol.CodeNotFound:
		return common.ErrNotFound
	case protocol.CodePermissionDenied:
		return common.ErrPermissionDenied
	case protocol.CodeInvalidToken:
		return common.ErrInvalidToken
	case protocol.CodeTransportUnavailable:
		return common.ErrTransportUnavailable
	default:
		return fmt.Errorf("server error %s: %s", perr.Code, perr.Message)
	}
}
