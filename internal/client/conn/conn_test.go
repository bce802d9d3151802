package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/logging"
	"github.com/mkorolev/listsync/internal/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// stubServer speaks just enough of the sync protocol to drive the client.
type stubServer struct {
	ts *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()

		for {
			var env protocol.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case protocol.TypeAuth:
				var req protocol.Auth
				_ = env.Decode(&req)
				if req.Token == "good" {
					reply, _ := protocol.NewEnvelope(protocol.TypeAuthOK, env.CorrelationID, protocol.AuthOK{UserID: "u1"})
					_ = ws.WriteJSON(reply)
				} else {
					reply, _ := protocol.NewEnvelope(protocol.TypeError, env.CorrelationID,
						protocol.Error{Code: protocol.CodeInvalidToken, Message: "bad token"})
					_ = ws.WriteJSON(reply)
					return
				}
			case protocol.TypeSubscribe:
				reply, _ := protocol.NewEnvelope(protocol.TypeAck, env.CorrelationID, struct{}{})
				_ = ws.WriteJSON(reply)
			case protocol.TypeMutate:
				var m protocol.Mutate
				_ = env.Decode(&m)
				reply, _ := protocol.NewEnvelope(protocol.TypeAck, env.CorrelationID, protocol.Ack{
					Event: protocol.Event{Sequence: 1, ListID: m.ListID, RecordID: m.RecordID,
						Kind: protocol.EventKindChange, Version: m.BaseVersion + 1},
				})
				_ = ws.WriteJSON(reply)
			}
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

// push sends an uncorrelated event to every live connection.
func (s *stubServer) push(t *testing.T, ev protocol.Event) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeEvent, "", ev)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		require.NoError(t, ws.WriteJSON(env))
	}
}

func newTestClient(t *testing.T, s *stubServer, token string, h Handlers) *Client {
	t.Helper()
	c, err := NewClient(s.ts.URL, token, h, logging.NewJSONLogger(), 10*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClient_ConnectsAndFiresOnConnected(t *testing.T) {
	s := newStubServer(t)

	var mu sync.Mutex
	connected := 0
	c := newTestClient(t, s, "good", Handlers{
		OnConnected: func(ctx context.Context) {
			mu.Lock()
			connected++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, func() bool { return c.Online() })
	mu.Lock()
	assert.Equal(t, 1, connected)
	mu.Unlock()
}

func TestClient_SubmitRoundTrip(t *testing.T) {
	s := newStubServer(t)
	c := newTestClient(t, s, "good", Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitFor(t, func() bool { return c.Online() })

	ack, err := c.Submit(ctx, protocol.Mutate{RecordID: "r1", ListID: "l1", BaseVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ack.Event.Version)

	require.NoError(t, c.Subscribe(ctx, "l1", 0))
}

func TestClient_SubmitWhileOffline(t *testing.T) {
	s := newStubServer(t)
	c := newTestClient(t, s, "good", Handlers{})

	_, err := c.Submit(context.Background(), protocol.Mutate{RecordID: "r1"})
	assert.ErrorIs(t, err, common.ErrTransportUnavailable)
}

func TestClient_DeliversEventsToHandler(t *testing.T) {
	s := newStubServer(t)

	var mu sync.Mutex
	var got []protocol.Event
	c := newTestClient(t, s, "good", Handlers{
		OnEvent: func(ctx context.Context, ev protocol.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitFor(t, func() bool { return c.Online() })

	s.push(t, protocol.Event{Sequence: 7, ListID: "l1", RecordID: "r1", Kind: protocol.EventKindChange, Version: 2})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, int64(7), got[0].Sequence)
	mu.Unlock()
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	s := newStubServer(t)

	var mu sync.Mutex
	connected := 0
	c := newTestClient(t, s, "good", Handlers{
		OnConnected: func(ctx context.Context) {
			mu.Lock()
			connected++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitFor(t, func() bool { return c.Online() })

	// Kill the server side of the socket; the client must redial.
	s.mu.Lock()
	s.conns[0].Close()
	s.mu.Unlock()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected >= 2
	})
}

func TestNewClient_DerivesWebsocketURL(t *testing.T) {
	c, err := NewClient("https://sync.example.com/base/", "tok", Handlers{}, logging.NewJSONLogger(), time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.endpoint, "wss://sync.example.com/base/ws"))
}
