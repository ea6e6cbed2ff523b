package sqldb

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect abstracts the SQL fragments that differ between the supported
// engines. Queries throughout the store are written with `?` placeholders and
// rebound at execution time.
type Dialect int

const (
	// DialectSQLite targets modernc.org/sqlite.
	DialectSQLite Dialect = iota
	// DialectPostgres targets pgx through database/sql.
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// Rebind converts `?` placeholders to the dialect's native style.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// InsertIgnore builds an idempotent insert: a duplicate of the conflict key
// is a silent no-op, never an error.
func (d Dialect) InsertIgnore(table string, cols, conflict []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	if d == DialectPostgres {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			table, strings.Join(cols, ", "), placeholders, strings.Join(conflict, ", "))
	}
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)
}

// Upsert builds an insert that overwrites the update columns on conflict.
func (d Dialect) Upsert(table string, cols, conflict, update []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	// SQLite and Postgres share the ON CONFLICT ... DO UPDATE form.
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders,
		strings.Join(conflict, ", "), strings.Join(sets, ", "))
}

// ForUpdate returns the row-locking suffix for reads that participate in a
// compare-and-swap. SQLite serializes writers at the database level, so the
// suffix is empty there.
func (d Dialect) ForUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}
