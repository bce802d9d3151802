package repomanager

import (
	"context"
	"database/sql"

	"github.com/mkorolev/listsync/internal/dbx"
	"github.com/mkorolev/listsync/internal/server/repositories/events"
	"github.com/mkorolev/listsync/internal/server/repositories/records"
	"github.com/mkorolev/listsync/internal/server/repositories/shares"
)

// RepositoryManager vends repository implementations bound to a DBTX, so the
// coordinator can run a record write and its event append in one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Records(db dbx.DBTX) records.Repository
	Events(db dbx.DBTX) events.Repository
	Shares(db dbx.DBTX) shares.Repository
}
