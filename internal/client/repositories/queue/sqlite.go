package queue

import (
	"context"
	"fmt"

	"github.com/mkorolev/listsync/internal/client/models"
	"github.com/mkorolev/listsync/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Enqueue appends an entry and fills in the assigned queue sequence.
func (r *SQLiteRepository) Enqueue(ctx context.Context, e *models.QueueEntry) error {
	fields, err := models.EncodeFields(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	query := `INSERT INTO queue (record_id, list_id, kind, base_version, fields, idempotency_token, created_at)
			values (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		e.RecordID, e.ListID, e.Kind, e.BaseVersion, fields, e.IdempotencyToken, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get queue sequence: %w", err)
	}
	e.Seq = seq
	return nil
}

// All returns queued entries oldest first.
func (r *SQLiteRepository) All(ctx context.Context) ([]models.QueueEntry, error) {
	query := `select seq, record_id, list_id, kind, base_version, fields, idempotency_token, created_at
			from queue order by seq`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select queue: %w", err)
	}
	defer rows.Close()

	var result []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var fields []byte
		if err := rows.Scan(&e.Seq, &e.RecordID, &e.ListID, &e.Kind, &e.BaseVersion,
			&fields, &e.IdempotencyToken, &e.CreatedAt); err != nil {
			return nil, err
		}
		decoded, err := models.DecodeFields(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode fields: %w", err)
		}
		e.Fields = decoded
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteByToken removes one entry by its idempotency token.
func (r *SQLiteRepository) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `delete from queue where idempotency_token=?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}

// Len returns the number of queued entries.
func (r *SQLiteRepository) Len(ctx context.Context) (int, error) {
	row := r.db.QueryRowContext(ctx, `select count(*) from queue`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}
