// Package migrations embeds the schema for each storage backend.
package migrations

import "embed"

// Postgres contains the migrations applied to PostgreSQL, under postgres/.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite contains the migrations applied to SQLite, under sqlite/.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
