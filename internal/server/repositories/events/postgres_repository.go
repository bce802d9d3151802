package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mkorolev/listsync/internal/common"
	"github.com/mkorolev/listsync/internal/dbx"
	"github.com/mkorolev/listsync/internal/server/models"
)

// PostgresRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx). Sequence numbers come from the events BIGSERIAL, so an append
// inside a transaction gets its sequence atomically with the record write.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository returns a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const eventColumns = `sequence, list_id, record_id, kind, payload, version, superseded_version, acting_user, idempotency_token, created_at`

func (r *PostgresRepository) Append(ctx context.Context, e *models.Event) error {
	payload, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `INSERT INTO events (list_id, record_id, kind, payload, version, superseded_version, acting_user, idempotency_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING sequence`

	err = r.db.QueryRowContext(ctx, query,
		e.ListID, e.RecordID, e.Kind, payload, e.Version, e.SupersededVersion,
		e.ActingUser, e.IdempotencyToken, e.Timestamp).Scan(&e.Sequence)
	if err != nil {
		// Unique violation on the idempotency index means a concurrent
		// submission of the same token already committed its event.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: idempotency token already resolved", common.ErrDuplicateSubmission)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (r *PostgresRepository) SinceSequence(ctx context.Context, listID string, seq int64, limit int) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE list_id = $1 AND sequence > $2
		ORDER BY sequence LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, listID, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *PostgresRepository) ByIdempotencyToken(ctx context.Context, token string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE idempotency_token = $1 AND kind = 'change'`

	row := r.db.QueryRowContext(ctx, query, token)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select event by token: %w", err)
	}

	return e, nil
}

func (r *PostgresRepository) LatestSequence(ctx context.Context, listID string) (int64, error) {
	query := `SELECT COALESCE(MAX(sequence), 0) FROM events WHERE list_id = $1`

	var seq int64
	if err := r.db.QueryRowContext(ctx, query, listID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to select latest sequence: %w", err)
	}

	return seq, nil
}

func (r *PostgresRepository) MinSequence(ctx context.Context, listID string) (int64, error) {
	query := `SELECT COALESCE(MIN(sequence), 0) FROM events WHERE list_id = $1`

	var seq int64
	if err := r.db.QueryRowContext(ctx, query, listID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to select min sequence: %w", err)
	}

	return seq, nil
}

func (r *PostgresRepository) PageBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE created_at < $1
		ORDER BY sequence LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select events before cutoff: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *PostgresRepository) DeleteThrough(ctx context.Context, seq int64, cutoff time.Time) (int64, error) {
	query := `DELETE FROM events WHERE sequence <= $1 AND created_at < $2`

	result, err := r.db.ExecContext(ctx, query, seq, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived events: %w", err)
	}

	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	e := &models.Event{}
	var payload []byte
	err := row.Scan(&e.Sequence, &e.ListID, &e.RecordID, &e.Kind, &payload,
		&e.Version, &e.SupersededVersion, &e.ActingUser, &e.IdempotencyToken, &e.Timestamp)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 && string(payload) != "null" {
		e.Record = &models.Record{}
		if err := json.Unmarshal(payload, e.Record); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}

	return e, nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var result []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
