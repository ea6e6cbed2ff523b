package gitdb

import (
	"context"
	"fmt"

	"github.com/spiderdb/spiderdb/internal/sqldb"
)

// Migrate creates the object and ref tables when they do not exist yet.
func Migrate(ctx context.Context, tx *sqldb.Tx) error {
	blob := "BLOB"
	if tx.Dialect() == sqldb.DialectPostgres {
		blob = "BYTEA"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS objects (
			oid  TEXT NOT NULL,
			type INTEGER NOT NULL,
			size BIGINT NOT NULL,
			data %s NOT NULL,
			repo TEXT NOT NULL,
			PRIMARY KEY (oid, repo)
		)`, blob),
		`CREATE INDEX IF NOT EXISTS objects_type ON objects (type)`,
		`CREATE INDEX IF NOT EXISTS objects_size ON objects (size)`,
		`CREATE TABLE IF NOT EXISTS refs (
			name  TEXT NOT NULL,
			value TEXT NOT NULL,
			repo  TEXT NOT NULL,
			PRIMARY KEY (name, repo)
		)`,
		`CREATE INDEX IF NOT EXISTS refs_value ON refs (value)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
