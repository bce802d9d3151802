// Package events is the append-only event log: the durable record of every
// accepted mutation, keyed by a monotonically increasing sequence number.
package events

import (
	"context"
	"time"

	"github.com/mkorolev/listsync/internal/server/models"
)

// Repository describes storage operations for the event log. Events are never
// updated; the only deletion path is retention pruning after archival.
type Repository interface {
	// Append stores the event and fills in its assigned sequence number. It
	// must be called inside the same transaction as the record write the
	// event describes.
	Append(ctx context.Context, e *models.Event) error

	// SinceSequence returns up to limit events for a list with sequence
	// strictly greater than seq, in ascending sequence order. Callers page by
	// passing the last returned sequence back in.
	SinceSequence(ctx context.Context, listID string, seq int64, limit int) ([]models.Event, error)

	// ByIdempotencyToken returns the change event previously produced for the
	// given token, or common.ErrNotFound.
	ByIdempotencyToken(ctx context.Context, token string) (*models.Event, error)

	// LatestSequence returns the highest sequence for a list, or 0 when the
	// list has no events.
	LatestSequence(ctx context.Context, listID string) (int64, error)

	// MinSequence returns the lowest retained sequence for a list, or 0 when
	// the list has no events. Used to detect gap-fill requests that fall
	// behind the retention horizon.
	MinSequence(ctx context.Context, listID string) (int64, error)

	// PageBefore returns up to limit events created before cutoff, ascending
	// by sequence. Used by the archiver.
	PageBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error)

	// DeleteThrough removes events with sequence <= seq and created before
	// cutoff, returning the number removed. Only the archiver calls this.
	DeleteThrough(ctx context.Context, seq int64, cutoff time.Time) (int64, error)
}
