// Package cache bootstraps the client's local sqlite database and bundles
// the repositories working on it.
package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/mkorolev/listsync/internal/client/migrations"
	"github.com/mkorolev/listsync/internal/client/repositories/cursors"
	"github.com/mkorolev/listsync/internal/client/repositories/queue"
	"github.com/mkorolev/listsync/internal/client/repositories/records"
)

type Repositories struct {
	Records records.Repository
	Queue   queue.Repository
	Cursors cursors.Repository
	DB      *sql.DB
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

func InitDatabase(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		return nil, err
	}

	repos := &Repositories{
		Records: records.NewSQLiteRepository(db),
		Queue:   queue.NewSQLiteRepository(db),
		Cursors: cursors.NewSQLiteRepository(db),
		DB:      db,
	}
	return repos, nil
}
