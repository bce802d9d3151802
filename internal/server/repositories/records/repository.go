// Package records persists versioned list and todo rows. The version column
// is the optimistic-concurrency token the mutation validator reasons about.
package records

import (
	"context"

	"github.com/mkorolev/listsync/internal/server/models"
)

// Repository describes storage operations for records.
type Repository interface {
	// Get returns a record by id, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Record, error)

	// Insert stores a brand-new record. The caller sets Version (always 1 for
	// newly created records).
	Insert(ctx context.Context, r *models.Record) error

	// Update writes new state for an existing record guarded by the expected
	// current version. Returns common.ErrVersionConflict if the row's version
	// no longer matches expectedVersion.
	Update(ctx context.Context, r *models.Record, expectedVersion int64) error

	// ListByList returns all records belonging to a list, ordered by id.
	ListByList(ctx context.Context, listID string) ([]models.Record, error)
}
