// Package migrations contains embedded SQL migrations for the economy SQLite store.
package migrations

import "embed"

//go:embed ledger/*.sql
var LedgerFS embed.FS
