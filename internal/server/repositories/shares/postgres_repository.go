package shares

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/dbx"
	"github.com/mkorolev/listsync/internal/server/models"
)

// PostgresRepository implements Repository using a DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository returns a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Level(ctx context.Context, listID, userID string) (string, error) {
	query := `SELECT level FROM shares WHERE list_id = $1 AND user_id = $2`

	var level string
	err := r.db.QueryRowContext(ctx, query, listID, userID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to select share: %w", err)
	}

	return level, nil
}

func (r *PostgresRepository) Grant(ctx context.Context, share *models.Share) error {
	query := `INSERT INTO shares (list_id, user_id, level)
		VALUES ($1, $2, $3)
		ON CONFLICT (list_id, user_id) DO UPDATE SET level = excluded.level`

	_, err := r.db.ExecContext(ctx, query, share.ListID, share.UserID, share.Level)
	if err != nil {
		return fmt.Errorf("failed to grant share: %w", err)
	}

	return nil
}
