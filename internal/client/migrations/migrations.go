// Package migrations embeds the goose migration files for the client's
// sqlite cache.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
