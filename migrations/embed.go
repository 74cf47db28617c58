package migrations

import "embed"

// Files exposes embedded SQL migration files. Postgres scripts live under
// postgres/, SQLite scripts under sqlite/, each ordered lexicographically.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
