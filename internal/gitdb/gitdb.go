// Package gitdb implements a git-style object and ref store backed by a
// relational database.
//
// Repositories are bare: there is no working tree, no index, no loose object
// files and no packed refs. Every object is a row in the objects table and
// every ref is a live row in the refs table, both scoped by an opaque
// repository namespace. Namespaces never share objects.
//
// Pack streams received from clients are never stored as packs. They are
// decoded entry by entry and each object is inserted individually, so the
// store is "loose-only". Thin packs (packs whose deltas reference base
// objects outside the stream) are completed in memory against the object
// table before decoding; see ObjectStore.IngestThinPack.
//
// All operations run inside the caller's transaction, leased through
// sqldb.DB.RunInTx. Inserts are idempotent, which keeps whole units of work
// safe to re-run when the runner retries on a transient failure.
package gitdb

import (
	"context"
	"errors"

	"github.com/spiderdb/spiderdb/internal/sqldb"
)

var (
	// ErrObjectNotFound is returned when an object is absent from the
	// repository namespace.
	ErrObjectNotFound = errors.New("object not found")
	// ErrRefNotFound is returned when a ref is absent from the repository
	// namespace.
	ErrRefNotFound = errors.New("ref not found")
	// ErrMalformedPack is returned when a pack stream cannot be decoded.
	ErrMalformedPack = errors.New("malformed pack stream")
	// ErrInvalidRefName is returned for ref names outside the refs/
	// hierarchy (HEAD excepted).
	ErrInvalidRefName = errors.New("invalid ref name")
)

// Head is the well-known symbolic ref every repository starts with.
const Head = "HEAD"

// DefaultBranch is the branch HEAD points at in a fresh repository.
const DefaultBranch = "refs/heads/master"

// Repository composes an object store and a ref store over one namespace.
// It is the unit callers open and address by name.
type Repository struct {
	Name    string
	Objects *ObjectStore
	Refs    *RefStore
}

// Open returns a repository handle for the namespace bound to tx. Opening
// never touches the database; a bare repository exists once it has rows.
func Open(name string, tx *sqldb.Tx) *Repository {
	return &Repository{
		Name:    name,
		Objects: NewObjectStore(name, tx),
		Refs:    NewRefStore(name, tx),
	}
}

// Init opens the repository and points HEAD at the default branch, making
// the namespace visible to Exists and List before the first object lands.
func Init(ctx context.Context, name string, tx *sqldb.Tx) (*Repository, error) {
	r := Open(name, tx)
	if err := r.Refs.SetSymbolic(ctx, Head, DefaultBranch); err != nil {
		return nil, err
	}
	return r, nil
}

// Head resolves HEAD through symbolic refs to a commit hash.
func (r *Repository) Head(ctx context.Context) (string, error) {
	return r.Refs.Resolve(ctx, Head)
}

// Exists reports whether the namespace has any objects or refs.
func Exists(ctx context.Context, name string, tx *sqldb.Tx) (bool, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM objects WHERE repo = ?) + (SELECT COUNT(*) FROM refs WHERE repo = ?)`,
		name, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the names of every repository namespace, sorted.
func List(ctx context.Context, tx *sqldb.Tx) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT repo FROM objects UNION SELECT repo FROM refs ORDER BY repo`)
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

// Delete removes every object and ref of the namespace.
func Delete(ctx context.Context, name string, tx *sqldb.Tx) error {
	if _, err := tx.Exec(ctx, `DELETE FROM objects WHERE repo = ?`, name); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `DELETE FROM refs WHERE repo = ?`, name)
	return err
}
