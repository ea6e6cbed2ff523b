package gitdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/spiderdb/spiderdb/internal/sqldb"
)

// Object is a content-addressed, immutable binary object. Its hash is a pure
// function of type and content; objects are only ever inserted or deleted
// wholesale, never updated in place.
type Object struct {
	Hash plumbing.Hash
	Type plumbing.ObjectType
	Data []byte
}

// NewObject computes the content hash for the given type and payload.
func NewObject(t plumbing.ObjectType, data []byte) Object {
	return Object{Hash: plumbing.ComputeHash(t, data), Type: t, Data: data}
}

// ObjectStore stores loose objects for one repository namespace. There is no
// packed tier: Contains and Get treat every object alike.
type ObjectStore struct {
	repo string
	tx   *sqldb.Tx
}

// NewObjectStore returns an object store over the namespace bound to tx.
func NewObjectStore(repo string, tx *sqldb.Tx) *ObjectStore {
	return &ObjectStore{repo: repo, tx: tx}
}

// Contains reports whether the object is present in the namespace.
func (s *ObjectStore) Contains(ctx context.Context, h plumbing.Hash) (bool, error) {
	var n int
	err := s.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM objects WHERE oid = ? AND repo = ?`,
		h.String(), s.repo).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the type and raw payload of an object.
func (s *ObjectStore) Get(ctx context.Context, h plumbing.Hash) (plumbing.ObjectType, []byte, error) {
	var typ int8
	var data []byte
	err := s.tx.QueryRow(ctx,
		`SELECT type, data FROM objects WHERE oid = ? AND repo = ?`,
		h.String(), s.repo).Scan(&typ, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return plumbing.InvalidObject, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, h)
		}
		return plumbing.InvalidObject, nil, err
	}
	return plumbing.ObjectType(typ), data, nil
}

// Put inserts an object keyed by its content hash. Re-inserting identical
// content is a silent success, which keeps retried units of work safe.
func (s *ObjectStore) Put(ctx context.Context, obj Object) (plumbing.Hash, error) {
	if obj.Hash.IsZero() {
		obj = NewObject(obj.Type, obj.Data)
	}
	query := s.tx.Dialect().InsertIgnore("objects",
		[]string{"oid", "type", "size", "data", "repo"},
		[]string{"oid", "repo"})
	_, err := s.tx.Exec(ctx, query,
		obj.Hash.String(), int8(obj.Type), len(obj.Data), obj.Data, s.repo)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store object %s: %w", obj.Hash, err)
	}
	return obj.Hash, nil
}

// PutMany inserts objects as sequential statements in the caller's
// transaction.
func (s *ObjectStore) PutMany(ctx context.Context, objs []Object) error {
	for _, obj := range objs {
		if _, err := s.Put(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMany removes objects as sequential statements in the caller's
// transaction. Missing objects are ignored.
func (s *ObjectStore) DeleteMany(ctx context.Context, hashes []plumbing.Hash) error {
	for _, h := range hashes {
		if _, err := s.tx.Exec(ctx,
			`DELETE FROM objects WHERE oid = ? AND repo = ?`,
			h.String(), s.repo); err != nil {
			return err
		}
	}
	return nil
}

// ForEach calls fn for every object hash in the namespace, in hash order.
func (s *ObjectStore) ForEach(ctx context.Context, fn func(plumbing.Hash) error) error {
	rows, err := s.tx.Query(ctx,
		`SELECT oid FROM objects WHERE repo = ? ORDER BY oid`, s.repo)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var oid string
		if err := rows.Scan(&oid); err != nil {
			return err
		}
		if err := fn(plumbing.NewHash(oid)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of objects in the namespace.
func (s *ObjectStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM objects WHERE repo = ?`, s.repo).Scan(&n)
	return n, err
}

// IngestPack buffers a self-contained pack stream, decodes every entry and
// stores each as an individual loose object. The returned hashes are in pack
// order.
func (s *ObjectStore) IngestPack(ctx context.Context, r io.Reader) ([]plumbing.Hash, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer pack stream: %w", err)
	}
	return s.ingestBuffer(ctx, buf, false)
}

// ingestBuffer decodes a complete pack buffer and persists every object.
// When thin is true, ref deltas may reference bases outside the buffer and
// the buffer is completed in memory first.
func (s *ObjectStore) ingestBuffer(ctx context.Context, buf []byte, thin bool) ([]plumbing.Hash, error) {
	if thin {
		completed, err := s.completeThinPack(ctx, buf)
		if err != nil {
			return nil, err
		}
		buf = completed
	}

	entries, err := parsePack(buf)
	if err != nil {
		return nil, err
	}
	objs, ext, err := resolvePack(entries)
	if err != nil {
		return nil, err
	}
	if len(ext) > 0 {
		return nil, fmt.Errorf("%w: unresolved external bases in self-contained pack", ErrMalformedPack)
	}

	hashes := make([]plumbing.Hash, 0, len(objs))
	for _, obj := range objs {
		h, err := s.Put(ctx, obj)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
