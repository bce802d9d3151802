// Package models defines the client-side cache types: shadow copies of server
// records, offline queue entries, and per-list delivery cursors.
package models

import (
	"encoding/json"
	"time"

	"github.com/mkorolev/listsync/internal/protocol"
)

// Record is the local shadow copy of a server record. Pending marks an
// optimistic local edit that has not been confirmed by the server yet;
// Version always holds the last server-confirmed version.
type Record struct {
	ID        string
	ListID    string
	Kind      string
	OwnerID   string
	Fields    map[string]any
	Version   int64
	UpdatedAt time.Time
	Pending   bool
}

// FromWire replaces the shadow state with the server's record.
func (r *Record) FromWire(w *protocol.Record) {
	r.ID = w.ID
	r.ListID = w.ListID
	r.Kind = w.Kind
	r.OwnerID = w.OwnerID
	r.Fields = w.Fields
	r.Version = w.Version
	r.UpdatedAt = w.UpdatedAt
	r.Pending = false
}

// QueueEntry is one offline mutation awaiting submission. Entries replay in
// insertion order; the idempotency token survives retries unchanged so the
// server can collapse duplicates.
type QueueEntry struct {
	Seq              int64
	RecordID         string
	ListID           string
	Kind             string
	BaseVersion      int64
	Fields           map[string]any
	IdempotencyToken string
	CreatedAt        time.Time
}

// Mutate converts the entry to the wire mutation, re-based on baseVersion.
func (q *QueueEntry) Mutate(baseVersion int64) protocol.Mutate {
	return protocol.Mutate{
		RecordID:         q.RecordID,
		ListID:           q.ListID,
		Kind:             q.Kind,
		BaseVersion:      baseVersion,
		Fields:           q.Fields,
		IdempotencyToken: q.IdempotencyToken,
	}
}

// EncodeFields serializes a fields map for sqlite storage.
func EncodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(fields)
}

// DecodeFields deserializes a stored fields column.
func DecodeFields(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
