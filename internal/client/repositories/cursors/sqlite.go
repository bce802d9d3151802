package cursors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

// Get returns the stored cursor, 0 for an unknown list.
func (r *SQLiteRepository) Get(ctx context.Context, listID string) (int64, error) {
	row := r.db.QueryRowContext(ctx, `select last_sequence from cursors where list_id=?`, listID)

	var seq int64
	err := row.Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query row scan failed: %w", err)
	}
	return seq, nil
}

// Set upserts the cursor for a list.
func (r *SQLiteRepository) Set(ctx context.Context, listID string, seq int64) error {
	query := `INSERT INTO cursors (list_id, last_sequence) values (?, ?)
			ON CONFLICT(list_id) DO UPDATE SET last_sequence = excluded.last_sequence`
	_, err := r.db.ExecContext(ctx, query, listID, seq)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}
