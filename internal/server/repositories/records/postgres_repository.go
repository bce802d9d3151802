package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/dbx"
	"github.com/mkorolev/listsync/internal/server/models"
)

// PostgresRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx), so record writes can share a transaction with event appends.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository returns a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Record, error) {
	query := `SELECT id, list_id, kind, owner_id, fields, version, updated_at
		FROM records WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	rec := &models.Record{}
	var fields []byte
	err := row.Scan(&rec.ID, &rec.ListID, &rec.Kind, &rec.OwnerID, &fields, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select record: %w", err)
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}

	return rec, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, rec *models.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	query := `INSERT INTO records (id, list_id, kind, owner_id, fields, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.ListID, rec.Kind, rec.OwnerID, fields, rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, rec *models.Record, expectedVersion int64) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	query := `UPDATE records SET fields = $1, version = $2, updated_at = $3
		WHERE id = $4 AND version = $5`

	result, err := r.db.ExecContext(ctx, query,
		fields, rec.Version, rec.UpdatedAt, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected != 1 {
		return common.ErrVersionConflict
	}

	return nil
}

func (r *PostgresRepository) ListByList(ctx context.Context, listID string) ([]models.Record, error) {
	query := `SELECT id, list_id, kind, owner_id, fields, version, updated_at
		FROM records WHERE list_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []models.Record
	for rows.Next() {
		var rec models.Record
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.ListID, &rec.Kind, &rec.OwnerID, &fields, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode record fields: %w", err)
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
