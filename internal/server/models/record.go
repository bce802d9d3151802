// Package models defines server-side data models persisted in the database.
package models

import (
	"time"

	"github.com/mkorolev/listsync/internal/protocol"
)

// Record is a versioned list or todo row. Version is the optimistic
// concurrency token: it strictly increases on every accepted mutation and two
// accepted mutations never share a version.
type Record struct {
	ID        string
	ListID    string
	Kind      string
	OwnerID   string
	Fields    map[string]any
	Version   int64
	UpdatedAt time.Time
}

// Wire converts the record to its wire representation.
func (r *Record) Wire() *protocol.Record {
	if r == nil {
		return nil
	}
	return &protocol.Record{
		ID:        r.ID,
		ListID:    r.ListID,
		Kind:      r.Kind,
		OwnerID:   r.OwnerID,
		Fields:    r.Fields,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

// Share grants a user a permission level on a list.
type Share struct {
	ListID    string
	UserID    string
	Level     string
	CreatedAt time.Time
}
