// Package migrations embeds the goose SQL migrations for the local database.
//
// Migrations are additive only: new tables, columns and indexes. Existing
// records and queued mutations survive every upgrade.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
