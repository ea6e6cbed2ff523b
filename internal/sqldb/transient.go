package sqldb

import (
	"database/sql/driver"
	"errors"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsTransient reports whether err belongs to the enumerated class of failures
// that are safe to retry by re-running the whole unit of work on a fresh
// connection: dropped connections, deadlocks and serialization conflicts.
//
// This is an explicit allowlist. Anything not listed here, including
// constraint violations and syntax errors, is treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	// The wire protocol readers surface a mid-stream disconnect as an
	// unexpected EOF.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		case "57P01": // admin_shutdown, the "server has gone away" class
			return true
		}
		// Class 08: connection exceptions.
		return strings.HasPrefix(pe.Code, "08")
	}

	return false
}
