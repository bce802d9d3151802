package models

import (
	"time"

	"github.com/mkorolev/listsync/internal/protocol"
)

// Event is the durable, immutable result of an accepted mutation. Sequence is
// assigned by the event log atomically with the record write and is unique
// across the log. Kind "change" carries the new record state; kind "conflict"
// is the audit entry referencing the superseded version it overwrote.
type Event struct {
	Sequence          int64
	ListID            string
	RecordID          string
	Kind              string
	Record            *Record
	Version           int64
	SupersededVersion int64
	ActingUser        string
	IdempotencyToken  string
	Timestamp         time.Time
}

// Wire converts the event to its wire representation.
func (e *Event) Wire() protocol.Event {
	return protocol.Event{
		Sequence:          e.Sequence,
		ListID:            e.ListID,
		RecordID:          e.RecordID,
		Kind:              e.Kind,
		Record:            e.Record.Wire(),
		Version:           e.Version,
		SupersededVersion: e.SupersededVersion,
		ActingUser:        e.ActingUser,
		Timestamp:         e.Timestamp,
	}
}
