package migrations

import "embed"

// Files contains the queue schema migrations in ascending order by filename.
// The statements are portable across sqlite, mysql and postgres.
//
//go:embed *.sql
var Files embed.FS
