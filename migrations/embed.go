// Package migrations embeds the goose SQL migrations that create the
// prompts, profiles, bookmark, event, and admin tables.
package migrations

import "embed"

// FS holds the embedded migration files, applied at server startup.
//
//go:embed *.sql
var FS embed.FS
