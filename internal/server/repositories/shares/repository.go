// Package shares stores per-list permission grants. The record owner always
// has write access; everyone else needs a share row.
package shares

import (
	"context"

	"github.com/mkorolev/listsync/internal/server/models"
)

// Repository describes storage operations for list shares.
type Repository interface {
	// Level returns the permission level ("read" or "write") granted to the
	// user on the list, or common.ErrNotFound when no share exists.
	Level(ctx context.Context, listID, userID string) (string, error)

	// Grant creates or replaces a share.
	Grant(ctx context.Context, share *models.Share) error
}
