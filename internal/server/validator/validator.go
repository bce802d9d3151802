// Package validator decides the outcome of a proposed mutation against the
// record's current stored state. It is pure decision logic: no storage access,
// no side effects. Per-record serialization is the coordinator's job, so a
// validator decision for one record never races another.
package validator

import (
	"time"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/server/models"
)

// Decision is the verdict on a single mutation.
type Decision struct {
	// Create is set when the mutation brings a new record into existence.
	Create bool

	// Conflict is set when the mutation's base version was stale. The
	// mutation is still applied (last-write-wins, server acceptance order),
	// but a conflict-audit event must be written alongside the change event.
	Conflict bool

	// NewVersion is the version the record takes after application.
	NewVersion int64

	// SupersededVersion is the version being overwritten when Conflict is
	// set; zero otherwise.
	SupersededVersion int64

	// AcceptedAt is the server acceptance timestamp, used as the record's new
	// last-modified time and the LWW tiebreak.
	AcceptedAt time.Time
}

// Validator applies the accept/conflict/reject policy.
type Validator struct {
	now func() time.Time
}

// New returns a Validator using the wall clock.
func New() *Validator {
	return &Validator{now: time.Now}
}

// NewWithClock returns a Validator with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Decide evaluates a mutation against the current record state and the acting
// user's permission level on the target list.
//
//   - current == nil and BaseVersion == 0: the mutation creates the record at
//     version 1.
//   - current == nil and BaseVersion > 0: the record is gone; reject with
//     common.ErrNotFound.
//   - BaseVersion == current.Version: plain accept at current.Version+1.
//   - BaseVersion != current.Version: the client acted on stale state. The
//     mutation still wins (it is being applied after the stored value) and is
//     accepted at current.Version+1, with current.Version recorded as
//     superseded so the activity trail shows the overwrite.
//
// A permission level below write rejects with common.ErrPermissionDenied and
// no state change.
func (v *Validator) Decide(m *models.Mutation, current *models.Record, level string) (Decision, error) {
	if level != common.PermissionWrite {
		return Decision{}, common.ErrPermissionDenied
	}

	if current == nil {
		if m.BaseVersion != 0 {
			return Decision{}, common.ErrNotFound
		}
		return Decision{Create: true, NewVersion: 1, AcceptedAt: v.now().UTC()}, nil
	}

	d := Decision{NewVersion: current.Version + 1, AcceptedAt: v.now().UTC()}
	if m.BaseVersion != current.Version {
		d.Conflict = true
		d.SupersededVersion = current.Version
	}

	return d, nil
}

// Apply materializes the record state a decision produces: the mutation's
// fields merged over the current ones, with version and timestamp advanced.
// current may be nil for create decisions.
func Apply(m *models.Mutation, current *models.Record, d Decision) *models.Record {
	rec := &models.Record{
		ID:        m.RecordID,
		ListID:    m.ListID,
		Kind:      m.Kind,
		OwnerID:   m.ActingUser,
		Fields:    map[string]any{},
		Version:   d.NewVersion,
		UpdatedAt: d.AcceptedAt,
	}

	if current != nil {
		rec.ListID = current.ListID
		rec.Kind = current.Kind
		rec.OwnerID = current.OwnerID
		for k, val := range current.Fields {
			rec.Fields[k] = val
		}
	}

	for k, val := range m.Fields {
		rec.Fields[k] = val
	}

	return rec
}
