package queue

import (
	"context"

	"github.com/mkorolev/listsync/internal/client/models"
)

// Repository is the offline mutation queue. Entries replay strictly in
// insertion order; an entry leaves the queue only once the server has
// resolved it.
type Repository interface {
	// Enqueue appends an entry and fills in its assigned queue sequence.
	Enqueue(ctx context.Context, e *models.QueueEntry) error

	// All returns the queued entries oldest first.
	All(ctx context.Context) ([]models.QueueEntry, error)

	// DeleteByToken removes the entry with the given idempotency token.
	DeleteByToken(ctx context.Context, token string) error

	// Len returns the number of queued entries.
	Len(ctx context.Context) (int, error)
}
