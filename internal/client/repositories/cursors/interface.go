package cursors

import "context"

// Repository stores the highest event sequence already applied per list.
type Repository interface {
	// Get returns the cursor for a list, 0 when the list was never synced.
	Get(ctx context.Context, listID string) (int64, error)

	// Set records the cursor for a list.
	Set(ctx context.Context, listID string, seq int64) error
}
