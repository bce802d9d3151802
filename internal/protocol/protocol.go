// Package protocol defines the wire types spoken between sync clients and
// servers: the persistent-connection message envelope with its payloads, and
// the response envelope of the fallback REST surface. Both directions are
// plain JSON.
package protocol

import (
	"encoding/json"
	"time"
)

// Message types carried in Envelope.Type.
const (
	// Client to server.
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMutate      = "mutate"

	// Server to client.
	TypeAuthOK       = "auth_ok"
	TypeEvent        = "event"
	TypeConflict     = "conflict"
	TypeSyncRequired = "sync_required"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Record kinds.
const (
	RecordKindList = "list"
	RecordKindTodo = "todo"
)

// Event kinds. A "change" event carries the new record state produced by an
// accepted mutation; a "conflict" event is the audit entry written when a
// stale-base mutation overwrites a newer version.
const (
	EventKindChange   = "change"
	EventKindConflict = "conflict"
)

// Error codes used in Error payloads and REST error envelopes.
const (
	CodeNotFound             = "not_found"
	CodePermissionDenied     = "permission_denied"
	CodeTransportUnavailable = "transport_unavailable"
	CodeInvalidToken         = "invalid_token"
	CodeBadRequest           = "bad_request"
	CodeInternal             = "internal"
)

// Envelope frames every message on the persistent connection, both directions.
// CorrelationID ties a server response (ack, error) back to the client message
// that caused it.
type Envelope struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEnvelope marshals payload and wraps it in an Envelope.
func NewEnvelope(msgType, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw, CorrelationID: correlationID}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Auth is the first client message on a fresh connection.
type Auth struct {
	Token string `json:"token"`
}

// AuthOK confirms authentication and echoes the resolved user id.
type AuthOK struct {
	UserID string `json:"user_id"`
}

// Subscribe registers interest in a list. SinceSequence is the highest event
// sequence the client has already applied for that list; the server replays
// everything newer before live delivery starts.
type Subscribe struct {
	ListID        string `json:"list_id"`
	SinceSequence int64  `json:"since_sequence"`
}

// Unsubscribe drops interest in a list.
type Unsubscribe struct {
	ListID string `json:"list_id"`
}

// Mutate proposes a change to one record.
type Mutate struct {
	RecordID         string         `json:"record_id"`
	ListID           string         `json:"list_id"`
	Kind             string         `json:"kind,omitempty"`
	BaseVersion      int64          `json:"base_version"`
	Fields           map[string]any `json:"fields"`
	IdempotencyToken string         `json:"idempotency_token"`
}

// Record is the wire form of a list or todo.
type Record struct {
	ID        string         `json:"id"`
	ListID    string         `json:"list_id"`
	Kind      string         `json:"kind"`
	OwnerID   string         `json:"owner_id"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Event is the durable result of an accepted mutation as delivered to
// subscribers. SupersededVersion is set only on conflict-audit events.
type Event struct {
	Sequence          int64     `json:"sequence"`
	ListID            string    `json:"list_id"`
	RecordID          string    `json:"record_id"`
	Kind              string    `json:"kind"`
	Record            *Record   `json:"record,omitempty"`
	Version           int64     `json:"version"`
	SupersededVersion int64     `json:"superseded_version,omitempty"`
	ActingUser        string    `json:"acting_user"`
	Timestamp         time.Time `json:"timestamp"`
}

// Conflict notifies the submitting client that its mutation was applied over
// a newer version. The winning event is the authoritative state.
type Conflict struct {
	SupersededVersion int64 `json:"superseded_version"`
	WinningEvent      Event `json:"winning_event"`
}

// SyncRequired tells the client its cursor is too old to gap-fill and a full
// resnapshot is required.
type SyncRequired struct {
	ListID string `json:"list_id"`
}

// Ack confirms a mutate message and carries the resulting event.
type Ack struct {
	Event Event `json:"event"`
}

// Error is the structured failure payload for the persistent connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
