// Package migrations embeds the goose SQL migrations.
//
// control holds the platform tables that only live on the shared database.
// tenant holds the per-tenant tables, applied to the shared database and to
// every dedicated store.
package migrations

import "embed"

//go:embed control/*.sql tenant/*.sql
var FS embed.FS
