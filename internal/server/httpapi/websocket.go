package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/protocol"
	"github.com/mkorolev/listsync/internal/server/auth"
	"github.com/mkorolev/listsync/internal/server/models"
	"github.com/mkorolev/listsync/internal/server/registry"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsTransport adapts a gorilla connection to the registry transport. Send is
// only ever called from the registry's writer goroutine; pings go out as
// control frames, which gorilla allows concurrently with data writes.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Send(env protocol.Envelope) error {
	if err := t.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.ws.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// handleWebSocket upgrades the request and runs the envelope loop for one
// client. The first message must be auth; subscribe and mutate are rejected
// until it succeeds.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}

	conn := s.registry.Register(&wsTransport{ws: ws})
	s.logger.Info(c.Request.Context(), "websocket client connected", "connection_id", conn.ID)

	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(ws, stop)

	ctx := c.Request.Context()
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			s.logger.Info(ctx, "websocket client disconnected", "connection_id", conn.ID, "error", err.Error())
			s.registry.Close(conn, "read failed")
			return
		}
		conn.Touch()

		switch env.Type {
		case protocol.TypeAuth:
			s.wsAuth(c, conn, env)
		case protocol.TypeSubscribe:
			s.wsSubscribe(c, conn, env)
		case protocol.TypeUnsubscribe:
			s.wsUnsubscribe(conn, env)
		case protocol.TypeMutate:
			s.wsMutate(c, conn, env)
		default:
			s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "unknown message type: "+env.Type)
		}
	}
}

func (s *Server) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(registry.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsAuth(c *gin.Context, conn *registry.Connection, env protocol.Envelope) {
	var req protocol.Auth
	if err := env.Decode(&req); err != nil {
		s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "malformed auth payload")
		return
	}

	userID, err := auth.GetUserIDFromToken(req.Token, s.jwtSecret)
	if err != nil {
		s.wsError(conn, env.CorrelationID, protocol.CodeInvalidToken, "invalid access token")
		s.registry.Close(conn, "authentication failed")
		return
	}
	if err := s.registry.Authenticate(conn, userID); err != nil {
		s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "already authenticated")
		return
	}

	s.wsSend(conn, protocol.TypeAuthOK, env.CorrelationID, protocol.AuthOK{UserID: userID})
}

func (s *Server) wsSubscribe(c *gin.Context, conn *registry.Connection, env protocol.Envelope) {
	var req protocol.Subscribe
	if err := env.Decode(&req); err != nil || req.ListID == "" {
		s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "malformed subscribe payload")
		return
	}
	if conn.UserID == "" {
		s.wsError(conn, env.CorrelationID, protocol.CodePermissionDenied, "authenticate first")
		return
	}

	ok, err := s.svc.CanRead(c.Request.Context(), req.ListID, conn.UserID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		s.wsError(conn, env.CorrelationID, protocol.CodeInternal, "subscribe failed")
		return
	}
	if !ok {
		s.wsError(conn, env.CorrelationID, protocol.CodePermissionDenied, "no read access to list")
		return
	}

	if err := s.registry.Subscribe(c.Request.Context(), conn, req.ListID, req.SinceSequence); err != nil {
		s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "subscribe failed")
		return
	}
	s.wsSend(conn, protocol.TypeAck, env.CorrelationID, struct{}{})
}

func (s *Server) wsUnsubscribe(conn *registry.Connection, env protocol.Envelope) {
	var req protocol.Unsubscribe
	if err := env.Decode(&req); err != nil || req.ListID == "" {
		s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "malformed unsubscribe payload")
		return
	}
	s.registry.Unsubscribe(conn, req.ListID)
	s.wsSend(conn, protocol.TypeAck, env.CorrelationID, struct{}{})
}

func (s *Server) wsMutate(c *gin.Context, conn *registry.Connection, env protocol.Envelope) {
	var req protocol.Mutate
	if err := env.Decode(&req); err != nil {
		s.wsError(conn, env.CorrelationID, protocol.CodeBadRequest, "malformed mutate payload")
		return
	}
	if conn.UserID == "" {
		s.wsError(conn, env.CorrelationID, protocol.CodePermissionDenied, "authenticate first")
		return
	}

	m := &models.Mutation{
		RecordID:         req.RecordID,
		ListID:           req.ListID,
		Kind:             req.Kind,
		BaseVersion:      req.BaseVersion,
		Fields:           req.Fields,
		ActingUser:       conn.UserID,
		IdempotencyToken: req.IdempotencyToken,
	}

	res, err := s.svc.Submit(c.Request.Context(), m)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			s.wsError(conn, env.CorrelationID, protocol.CodeNotFound, "record not found")
		case errors.Is(err, common.ErrPermissionDenied):
			s.wsError(conn, env.CorrelationID, protocol.CodePermissionDenied, "permission denied")
		case errors.Is(err, common.ErrTransportUnavailable):
			s.wsError(conn, env.CorrelationID, protocol.CodeTransportUnavailable, "storage temporarily unavailable")
		default:
			s.logger.Error(c.Request.Context(), "mutation failed", "error", err)
			s.wsError(conn, env.CorrelationID, protocol.CodeInternal, "internal error")
		}
		return
	}

	s.wsSend(conn, protocol.TypeAck, env.CorrelationID, protocol.Ack{Event: res.Event.Wire()})
	if res.ConflictAudit != nil {
		s.wsSend(conn, protocol.TypeConflict, env.CorrelationID, protocol.Conflict{
			SupersededVersion: res.ConflictAudit.SupersededVersion,
			WinningEvent:      res.Event.Wire(),
		})
	}
}

func (s *Server) wsSend(conn *registry.Connection, msgType, correlationID string, payload any) {
	env, err := protocol.NewEnvelope(msgType, correlationID, payload)
	if err != nil {
		return
	}
	s.registry.Send(conn, env)
}

func (s *Server) wsError(conn *registry.Connection, correlationID, code, message string) {
	s.wsSend(conn, protocol.TypeError, correlationID, protocol.Error{Code: code, Message: message})
}
