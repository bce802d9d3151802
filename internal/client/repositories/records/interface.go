package records

import (
	"context"

	"github.com/mkorolev/listsync/internal/client/models"
)

// Repository describes the local record shadow cache. Shadow copies always
// reflect the last server-confirmed state plus an optional pending overlay
// from an unconfirmed optimistic edit.
type Repository interface {
	// Upsert inserts or replaces the shadow copy by id.
	Upsert(ctx context.Context, r *models.Record) error

	// GetByID returns a shadow copy, or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Record, error)

	// GetByList returns all shadow copies for one list.
	GetByList(ctx context.Context, listID string) ([]models.Record, error)

	// Delete drops one shadow copy, used to roll back a rejected optimistic
	// create.
	Delete(ctx context.Context, id string) error

	// DeleteByList drops all shadow copies for a list, used before a full
	// resnapshot.
	DeleteByList(ctx context.Context, listID string) error
}
