// Package ops embeds the SQL migrations and seed files shipped with the
// binaries.
package ops

import "embed"

// FS holds migrations/*.sql and seeds/*.sql.
//
//go:embed migrations/*.sql seeds/*.sql
var FS embed.FS

const (
	MigrationsDir = "migrations"
	SeedsDir      = "seeds"
)
