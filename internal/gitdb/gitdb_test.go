package gitdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spiderdb/spiderdb/internal/sqldb"
)

// openTestDB opens a migrated SQLite database in a temp dir.
func openTestDB(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open("sqlite", filepath.Join(t.TempDir(), "gitdb.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := db.RunInTx(context.Background(), Migrate); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

// inTx runs fn in a transaction and fails the test on error.
func inTx(t *testing.T, db *sqldb.DB, fn func(ctx context.Context, tx *sqldb.Tx) error) {
	t.Helper()
	if err := db.RunInTx(context.Background(), fn); err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
}
