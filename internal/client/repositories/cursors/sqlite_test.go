package cursors

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE cursors (
  list_id TEXT PRIMARY KEY,
  last_sequence INTEGER NOT NULL DEFAULT 0
);
`)
	require.NoError(t, err)

	return db
}

func TestGet_UnknownListIsZero(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))

	seq, err := r.Get(context.Background(), "l1")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestSet_UpsertsCursor(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "l1", 5))
	seq, err := r.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	require.NoError(t, r.Set(ctx, "l1", 9))
	seq, err = r.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)
}
