package gitdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spiderdb/spiderdb/internal/sqldb"
)

// SymrefPrefix marks a symbolic ref value: the remainder names another ref
// instead of holding a hash.
const SymrefPrefix = "ref: "

// maxSymrefDepth bounds symbolic ref chains during resolution.
const maxSymrefDepth = 5

// RefStore stores mutable named pointers for one repository namespace.
// Every ref is a live row; there is no packed-refs tier, so each mutation is
// a single-row transactional statement. Reads that participate in a
// compare-and-swap take a row-level lock so concurrent writers cannot
// observe a stale value mid-update.
type RefStore struct {
	repo string
	tx   *sqldb.Tx
}

// NewRefStore returns a ref store over the namespace bound to tx.
func NewRefStore(repo string, tx *sqldb.Tx) *RefStore {
	return &RefStore{repo: repo, tx: tx}
}

// List returns all ref names in the namespace, sorted.
func (s *RefStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT name FROM refs WHERE repo = ? ORDER BY name`, s.repo)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Read returns the raw stored value of a ref: a 40-hex hash or a symbolic
// "ref: <name>" pointer.
func (s *RefStore) Read(ctx context.Context, name string) (string, error) {
	return s.read(ctx, name, false)
}

func (s *RefStore) read(ctx context.Context, name string, lock bool) (string, error) {
	query := `SELECT value FROM refs WHERE name = ? AND repo = ?`
	if lock {
		query += s.tx.Dialect().ForUpdate()
	}
	var value string
	err := s.tx.QueryRow(ctx, query, name, s.repo).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Resolve follows symbolic refs until it reaches a hash.
func (s *RefStore) Resolve(ctx context.Context, name string) (string, error) {
	for range maxSymrefDepth {
		value, err := s.Read(ctx, name)
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(value, SymrefPrefix) {
			return value, nil
		}
		name = strings.TrimPrefix(value, SymrefPrefix)
	}
	return "", fmt.Errorf("%w: symbolic ref chain too deep: %s", ErrInvalidRefName, name)
}

// followSymbolic returns the final non-symbolic ref NAME a write should land
// on, creating compare-and-swap semantics equivalent to updating through
// HEAD.
func (s *RefStore) followSymbolic(ctx context.Context, name string) (string, error) {
	for range maxSymrefDepth {
		value, err := s.Read(ctx, name)
		if err != nil {
			if errors.Is(err, ErrRefNotFound) {
				return name, nil
			}
			return "", err
		}
		if !strings.HasPrefix(value, SymrefPrefix) {
			return name, nil
		}
		name = strings.TrimPrefix(value, SymrefPrefix)
	}
	return "", fmt.Errorf("%w: symbolic ref chain too deep: %s", ErrInvalidRefName, name)
}

// checkRefName rejects names outside the refs/ hierarchy, HEAD excepted.
func checkRefName(name string) error {
	if name == Head {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") || strings.Contains(name, "..") ||
		strings.ContainsAny(name, " \t\n\x00~^:?*[\\") {
		return fmt.Errorf("%w: %q", ErrInvalidRefName, name)
	}
	return nil
}

func (s *RefStore) write(ctx context.Context, name, value string) error {
	query := s.tx.Dialect().Upsert("refs",
		[]string{"name", "value", "repo"},
		[]string{"name", "repo"},
		[]string{"value"})
	_, err := s.tx.Exec(ctx, query, name, value, s.repo)
	return err
}

// CompareAndSet updates name to value if its current value equals old. An
// empty old writes unconditionally. Symbolic refs are followed first, so a
// CAS through HEAD compares and updates the branch it points at. The final
// ref is re-read under a row-level lock so exactly one of two racing writers
// with the same stale old can win.
func (s *RefStore) CompareAndSet(ctx context.Context, name, old, value string) (bool, error) {
	target, err := s.followSymbolic(ctx, name)
	if err != nil {
		return false, err
	}
	if err := checkRefName(target); err != nil {
		return false, err
	}
	if old != "" {
		current, err := s.read(ctx, target, true)
		if err != nil && !errors.Is(err, ErrRefNotFound) {
			return false, err
		}
		if current != old {
			return false, nil
		}
	}
	if err := s.write(ctx, target, value); err != nil {
		return false, err
	}
	return true, nil
}

// CreateIfAbsent writes the ref only when it does not exist yet.
func (s *RefStore) CreateIfAbsent(ctx context.Context, name, value string) (bool, error) {
	if err := checkRefName(name); err != nil {
		return false, err
	}
	query := s.tx.Dialect().InsertIgnore("refs",
		[]string{"name", "value", "repo"},
		[]string{"name", "repo"})
	res, err := s.tx.Exec(ctx, query, name, value, s.repo)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSymbolic points name at another ref by writing a marker-prefixed value.
func (s *RefStore) SetSymbolic(ctx context.Context, name, target string) error {
	return s.write(ctx, name, SymrefPrefix+target)
}

// DeleteIfMatches removes the ref when its current value equals old. An
// empty old deletes unconditionally.
func (s *RefStore) DeleteIfMatches(ctx context.Context, name, old string) (bool, error) {
	if old != "" {
		current, err := s.read(ctx, name, true)
		if err != nil && !errors.Is(err, ErrRefNotFound) {
			return false, err
		}
		if current != old {
			return false, nil
		}
	}
	_, err := s.tx.Exec(ctx,
		`DELETE FROM refs WHERE name = ? AND repo = ?`, name, s.repo)
	if err != nil {
		return false, err
	}
	return true, nil
}
