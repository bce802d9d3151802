package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkorolev/listsync/internal/client/models"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE queue (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  record_id TEXT NOT NULL,
  list_id TEXT NOT NULL,
  kind TEXT NOT NULL DEFAULT '',
  base_version INTEGER NOT NULL,
  fields TEXT NOT NULL DEFAULT '{}',
  idempotency_token TEXT NOT NULL UNIQUE,
  created_at TIMESTAMP NOT NULL
);
`)
	require.NoError(t, err)

	return db
}

func entry(token string, base int64) *models.QueueEntry {
	return &models.QueueEntry{
		RecordID:         "t1",
		ListID:           "l1",
		BaseVersion:      base,
		Fields:           map[string]any{"done": true},
		IdempotencyToken: token,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
}

func TestEnqueue_AssignsOrderedSequences(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	e1, e2 := entry("tok-1", 3), entry("tok-2", 3)
	require.NoError(t, r.Enqueue(ctx, e1))
	require.NoError(t, r.Enqueue(ctx, e2))
	assert.Less(t, e1.Seq, e2.Seq)

	all, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "tok-1", all[0].IdempotencyToken)
	assert.Equal(t, "tok-2", all[1].IdempotencyToken)
	assert.Equal(t, true, all[0].Fields["done"])
}

func TestDeleteByToken(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, entry("tok-1", 3)))
	require.NoError(t, r.Enqueue(ctx, entry("tok-2", 3)))

	require.NoError(t, r.DeleteByToken(ctx, "tok-1"))

	n, err := r.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "tok-2", all[0].IdempotencyToken)
}

func TestEnqueue_DuplicateTokenRejected(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, entry("tok-1", 3)))
	assert.Error(t, r.Enqueue(ctx, entry("tok-1", 4)))
}
