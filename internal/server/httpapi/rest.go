package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/protocol"
	"github.com/mkorolev/listsync/internal/server/auth"
	"github.com/mkorolev/listsync/internal/server/models"
)

const userIDKey = "user_id"

// authMiddleware resolves the bearer token into a user id for the REST
// surface. The websocket endpoint authenticates inside the stream instead.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(common.AccessTokenHeaderName)
		token := strings.TrimPrefix(raw, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				protocol.Fail(protocol.CodeInvalidToken, "missing access token", ""))
			return
		}
		userID, err := auth.GetUserIDFromToken(token, s.jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				protocol.Fail(protocol.CodeInvalidToken, "invalid access token", ""))
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// handleSubmitMutation is the request/response twin of the websocket mutate
// message, used by clients replaying their offline queue over plain HTTP.
func (s *Server) handleSubmitMutation(c *gin.Context) {
	var req protocol.Mutate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			protocol.Fail(protocol.CodeBadRequest, "malformed mutation", err.Error()))
		return
	}

	m := &models.Mutation{
		RecordID:         req.RecordID,
		ListID:           req.ListID,
		Kind:             req.Kind,
		BaseVersion:      req.BaseVersion,
		Fields:           req.Fields,
		ActingUser:       c.GetString(userIDKey),
		IdempotencyToken: req.IdempotencyToken,
	}

	res, err := s.svc.Submit(c.Request.Context(), m)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ack := protocol.Ack{Event: res.Event.Wire()}
	c.JSON(http.StatusOK, protocol.OK(ack, res.Event.Version))
}

// handleSnapshot returns the current records of a list. With since_sequence
// it additionally returns the events newer than that cursor so a catching-up
// client can replay instead of diffing.
func (s *Server) handleSnapshot(c *gin.Context) {
	listID := c.Param("id")
	userID := c.GetString(userIDKey)

	ok, err := s.svc.CanRead(c.Request.Context(), listID, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden,
			protocol.Fail(protocol.CodePermissionDenied, "no read access to list", ""))
		return
	}

	recs, latest, err := s.svc.Snapshot(c.Request.Context(), listID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := protocol.SnapshotResponse{
		ListID:         listID,
		LatestSequence: latest,
		FullSnapshot:   true,
	}
	for i := range recs {
		resp.Records = append(resp.Records, *recs[i].Wire())
	}
	c.JSON(http.StatusOK, protocol.OK(resp, 0))
}

func (s *Server) handleEventsSince(c *gin.Context) {
	listID := c.Param("id")
	userID := c.GetString(userIDKey)

	since, err := strconv.ParseInt(c.DefaultQuery("since_sequence", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest,
			protocol.Fail(protocol.CodeBadRequest, "since_sequence must be a non-negative integer", ""))
		return
	}

	ok, err := s.svc.CanRead(c.Request.Context(), listID, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden,
			protocol.Fail(protocol.CodePermissionDenied, "no read access to list", ""))
		return
	}

	events, err := s.svc.EventsSince(c.Request.Context(), listID, since)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := protocol.SnapshotResponse{ListID: listID, LatestSequence: since}
	for i := range events {
		ev := events[i].Wire()
		resp.Events = append(resp.Events, ev)
		if ev.Sequence > resp.LatestSequence {
			resp.LatestSequence = ev.Sequence
		}
	}
	c.JSON(http.StatusOK, protocol.OK(resp, 0))
}

// writeError maps domain errors onto HTTP statuses and the REST envelope.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, protocol.Fail(protocol.CodeNotFound, "record not found", ""))
	case errors.Is(err, common.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, protocol.Fail(protocol.CodePermissionDenied, "permission denied", ""))
	case errors.Is(err, common.ErrRetentionExceeded):
		c.JSON(http.StatusGone, protocol.Fail(protocol.CodeBadRequest, "cursor older than event retention, full resync required", ""))
	case errors.Is(err, common.ErrTransportUnavailable):
		c.JSON(http.StatusServiceUnavailable, protocol.Fail(protocol.CodeTransportUnavailable, "storage temporarily unavailable", ""))
	default:
		s.logger.Error(c.Request.Context(), "request failed", "error", err)
		c.JSON(http.StatusInternalServerError, protocol.Fail(protocol.CodeInternal, "internal error", ""))
	}
}
