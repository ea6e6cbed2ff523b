package sqldb

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestRunInTxCommits(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO t (id, v) VALUES (?, ?)", 1, "one")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	err = db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		var v string
		if err := tx.QueryRow(ctx, "SELECT v FROM t WHERE id = ?", 1).Scan(&v); err != nil {
			return err
		}
		if v != "one" {
			t.Errorf("v = %q, want one", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx read: %v", err)
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err := db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO t (id) VALUES (?)", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error identity lost: %v", err)
	}

	_ = db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		var n int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("rollback left %d rows", n)
		}
		return nil
	})
}

func TestRunInTxRetriesTransient(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	calls := 0
	err := db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		calls++
		if calls < 3 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn ran %d times, want 3", calls)
	}
}

func TestRunInTxRetryBound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	calls := 0
	err := db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		calls++
		return driver.ErrBadConn
	})
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("original error not preserved: %v", err)
	}
	if calls != maxAttempts {
		t.Fatalf("fn ran %d times, want %d", calls, maxAttempts)
	}
}

func TestRunInTxNoRetryOnPermanentError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("permanent")
	calls := 0
	err := db.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error identity lost: %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", errors.Join(errors.New("exec"), driver.ErrBadConn), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("nope"), false},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT v FROM t WHERE a = ? AND b = ?"
	if got := DialectSQLite.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT v FROM t WHERE a = $1 AND b = $2"
	if got := DialectPostgres.Rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestInsertIgnore(t *testing.T) {
	cols := []string{"oid", "repo"}
	if got := DialectSQLite.InsertIgnore("objects", cols, cols); got != "INSERT OR IGNORE INTO objects (oid, repo) VALUES (?, ?)" {
		t.Errorf("sqlite InsertIgnore = %q", got)
	}
	if got := DialectPostgres.InsertIgnore("objects", cols, cols); got != "INSERT INTO objects (oid, repo) VALUES (?, ?) ON CONFLICT (oid, repo) DO NOTHING" {
		t.Errorf("postgres InsertIgnore = %q", got)
	}
}
