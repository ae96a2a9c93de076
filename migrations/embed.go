// Package migrations embeds the orchestrator's SQL schema migrations.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
