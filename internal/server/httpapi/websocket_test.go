package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkorolev/listsync/internal/protocol"
	"github.com/mkorolev/listsync/internal/server/coordinator"
	"github.com/mkorolev/listsync/internal/server/models"
)

// dialWS starts the server over httptest and dials the sync endpoint.
func dialWS(t *testing.T, svc *fakeService) *websocket.Conn {
	t.Helper()
	srv, _ := newTestServer(t, svc)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType, correlationID string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, correlationID, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func authenticate(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	send(t, ws, protocol.TypeAuth, "c-auth", protocol.Auth{Token: token(t, userID)})
	env := recv(t, ws)
	require.Equal(t, protocol.TypeAuthOK, env.Type)
}

func TestWS_AuthHandshake(t *testing.T) {
	ws := dialWS(t, &fakeService{canRead: true})

	send(t, ws, protocol.TypeAuth, "c1", protocol.Auth{Token: token(t, "u1")})
	env := recv(t, ws)

	assert.Equal(t, protocol.TypeAuthOK, env.Type)
	assert.Equal(t, "c1", env.CorrelationID)

	var ok protocol.AuthOK
	require.NoError(t, env.Decode(&ok))
	assert.Equal(t, "u1", ok.UserID)
}

func TestWS_BadTokenClosesConnection(t *testing.T) {
	ws := dialWS(t, &fakeService{})

	send(t, ws, protocol.TypeAuth, "c1", protocol.Auth{Token: "garbage"})
	env := recv(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)

	var perr protocol.Error
	require.NoError(t, env.Decode(&perr))
	assert.Equal(t, protocol.CodeInvalidToken, perr.Code)

	// The server tears the connection down after a failed handshake.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var discard protocol.Envelope
	assert.Error(t, ws.ReadJSON(&discard))
}

func TestWS_SubscribeBeforeAuthRejected(t *testing.T) {
	ws := dialWS(t, &fakeService{canRead: true})

	send(t, ws, protocol.TypeSubscribe, "c1", protocol.Subscribe{ListID: "l1"})
	env := recv(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)

	var perr protocol.Error
	require.NoError(t, env.Decode(&perr))
	assert.Equal(t, protocol.CodePermissionDenied, perr.Code)
}

func TestWS_SubscribeReplaysBacklog(t *testing.T) {
	svc := &fakeService{
		canRead: true,
		events: []models.Event{
			{Sequence: 1, ListID: "l1", RecordID: "r1", Kind: protocol.EventKindChange, Version: 1},
			{Sequence: 2, ListID: "l1", RecordID: "r1", Kind: protocol.EventKindChange, Version: 2},
		},
	}
	ws := dialWS(t, svc)
	authenticate(t, ws, "u1")

	send(t, ws, protocol.TypeSubscribe, "c2", protocol.Subscribe{ListID: "l1", SinceSequence: 0})

	// An ack and two replayed events arrive; the ack order relative to the
	// replay is not pinned.
	var acked bool
	var seqs []int64
	for len(seqs) < 2 || !acked {
		env := recv(t, ws)
		switch env.Type {
		case protocol.TypeAck:
			acked = true
		case protocol.TypeEvent:
			var ev protocol.Event
			require.NoError(t, env.Decode(&ev))
			seqs = append(seqs, ev.Sequence)
		default:
			t.Fatalf("unexpected message type %q", env.Type)
		}
	}
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestWS_MutateAcceptAndConflict(t *testing.T) {
	svc := &fakeService{canRead: true}
	calls := 0
	svc.submitFn = func(ctx context.Context, m *models.Mutation) (*coordinator.Result, error) {
		calls++
		if calls == 1 {
			return acceptedResult(10, 4), nil
		}
		// Stale base: accepted last-write-wins plus the audit event.
		res := acceptedResult(11, 5)
		res.ConflictAudit = &models.Event{
			Sequence:          12,
			ListID:            "l1",
			RecordID:          "r1",
			Kind:              protocol.EventKindConflict,
			Version:           5,
			SupersededVersion: 4,
		}
		return res, nil
	}

	ws := dialWS(t, svc)
	authenticate(t, ws, "u1")

	send(t, ws, protocol.TypeMutate, "m1", protocol.Mutate{
		RecordID: "r1", ListID: "l1", BaseVersion: 3, Fields: map[string]any{"done": true},
	})
	env := recv(t, ws)
	require.Equal(t, protocol.TypeAck, env.Type)
	assert.Equal(t, "m1", env.CorrelationID)

	var ack protocol.Ack
	require.NoError(t, env.Decode(&ack))
	assert.Equal(t, int64(4), ack.Event.Version)

	send(t, ws, protocol.TypeMutate, "m2", protocol.Mutate{
		RecordID: "r1", ListID: "l1", BaseVersion: 3, Fields: map[string]any{"title": "eggs"},
	})
	env = recv(t, ws)
	require.Equal(t, protocol.TypeAck, env.Type)
	assert.Equal(t, "m2", env.CorrelationID)

	env = recv(t, ws)
	require.Equal(t, protocol.TypeConflict, env.Type)
	var conflict protocol.Conflict
	require.NoError(t, env.Decode(&conflict))
	assert.Equal(t, int64(4), conflict.SupersededVersion)
	assert.Equal(t, int64(5), conflict.WinningEvent.Version)
}

func TestWS_UnknownTypeReturnsError(t *testing.T) {
	ws := dialWS(t, &fakeService{})
	authenticate(t, ws, "u1")

	send(t, ws, "bogus", "c9", struct{}{})
	env := recv(t, ws)
	require.Equal(t, protocol.TypeError, env.Type)

	var perr protocol.Error
	require.NoError(t, env.Decode(&perr))
	assert.Equal(t, protocol.CodeBadRequest, perr.Code)
}
