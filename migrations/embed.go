// Package migrations embeds the goose migrations that create the assignment
// fingerprint tables used by the PostgreSQL cache backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
