package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mkorolev/listsync/internal/client/models"
	"github.com/mkorolev/listsync/internal/common"
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

// Upsert inserts or replaces a shadow copy by id.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec *models.Record) error {
	fields, err := models.EncodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	query := `INSERT INTO records (id, list_id, kind, owner_id, fields, version, updated_at, pending)
			values (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET list_id = excluded.list_id,
				kind = excluded.kind,
				owner_id = excluded.owner_id,
				fields = excluded.fields,
				version = excluded.version,
				updated_at = excluded.updated_at,
				pending = excluded.pending
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.ListID, rec.Kind, rec.OwnerID, fields, rec.Version, rec.UpdatedAt, rec.Pending)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// GetByID returns a single shadow copy.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Record, error) {
	query := `select id, list_id, kind, owner_id, fields, version, updated_at, pending from records where id=?`
	row := r.db.QueryRowContext(ctx, query, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return rec, nil
}

// GetByList returns all shadow copies for one list.
func (r *SQLiteRepository) GetByList(ctx context.Context, listID string) ([]models.Record, error) {
	query := `select id, list_id, kind, owner_id, fields, version, updated_at, pending from records where list_id=? order by id`
	rows, err := r.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete drops one shadow copy.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `delete from records where id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// DeleteByList drops all shadow copies for a list.
func (r *SQLiteRepository) DeleteByList(ctx context.Context, listID string) error {
	_, err := r.db.ExecContext(ctx, `delete from records where list_id=?`, listID)
	if err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	rec := &models.Record{}
	var fields []byte
	if err := row.Scan(&rec.ID, &rec.ListID, &rec.Kind, &rec.OwnerID, &fields,
		&rec.Version, &rec.UpdatedAt, &rec.Pending); err != nil {
		return nil, err
	}
	decoded, err := models.DecodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	rec.Fields = decoded
	return rec, nil
}
