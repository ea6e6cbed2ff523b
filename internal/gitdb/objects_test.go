package gitdb

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/spiderdb/spiderdb/internal/sqldb"
)

func TestObjectPutGet(t *testing.T) {
	db := openTestDB(t)
	inTx(t, db, func(ctx context.Context, tx *sqldb.Tx) error {
		s := NewObjectStore("proj1", tx)
		obj := NewObject(plumbing.BlobObject, []byte("hello world"))

		h, err := s.Put(ctx, obj)
		if err != nil {
			return err
		}
		if h != obj.Hash {
			t.Errorf("Put returned %s, want %s", h, obj.Hash)
		}

		typ, data, err := s.Get(ctx, h)
		if err != nil {
			return err
		}
		if typ != plumbing.BlobObject {
			t.Errorf("type = %s, want blob", typ)
		}
		if !bytes.Equal(data, []byte("hello world")) {
			t.Errorf("data = %q", data)
		}

		ok, err := s.Contains(ctx, h)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("Contains = false for stored object")
		}
		return nil
	})
}

func TestObjectPutIdempotent(t *testing.T) {
	db := openTestDB(t)
	inTx(t, db, func(ctx context.Context, tx *sqldb.Tx) error {
		s := NewObjectStore("proj1", tx)
		obj := NewObject(plumbing.BlobObject, []byte("same content"))

		if _, err := s.Put(ctx, obj); err != nil {
			return err
		}
		if _, err := s.Put(ctx, obj); err != nil {
			t.Errorf("second Put of identical content failed: %v", err)
		}
		n, err := s.Count(ctx)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
		return nil
	})
}

func TestObjectGetNotFound(t *testing.T) {
	db := openTestDB(t)
	inTx(t, db, func(ctx context.Context, tx *sqldb.Tx) error {
		s := NewObjectStore("proj1", tx)
		_, _, err := s.Get(ctx, plumbing.NewHash("0123456789012345678901234567890123456789"))
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("Get = %v, want ErrObjectNotFound", err)
		}
		return nil
	})
}

func TestObjectNamespaceIsolation(t *testing.T) {
	db := openTestDB(t)
	inTx(t, db, func(ctx context.Context, tx *sqldb.Tx) error {
		a := NewObjectStore("proj-a", tx)
		b := NewObjectStore("proj-b", tx)
		obj := NewObject(plumbing.BlobObject, []byte("scoped"))

		if _, err := a.Put(ctx, obj); err != nil {
			return err
		}
		ok, err := b.Contains(ctx, obj.Hash)
		if err != nil {
			return err
		}
		if ok {
			t.Error("object visible across namespaces")
		}
		return nil
	})
}

func TestObjectDeleteMany(t *testing.T) {
	db := openTestDB(t)
	inTx(t, db, func(ctx context.Context, tx *sqldb.Tx) error {
		s := NewObjectStore("proj1", tx)
		a := NewObject(plumbing.BlobObject, []byte("a"))
		b := NewObject(plumbing.BlobObject, []byte("b"))
		if err := s.PutMany(ctx, []Object{a, b}); err != nil {
			return err
		}
		if err := s.DeleteMany(ctx, []plumbing.Hash{a.Hash}); err != nil {
			return err
		}
		if ok, _ := s.Contains(ctx, a.Hash); ok {
			t.Error("a not deleted")
		}
		if ok, _ := s.Contains(ctx, b.Hash); !ok {
			t.Error("b deleted unexpectedly")
		}
		return nil
	})
}

func TestObjectForEachOrdered(t *testing.T) {
	db := openTestDB(t)
	inTx(t, db, func(ctx context.Context, tx *sqldb.Tx) error {
		s := NewObjectStore("proj1", tx)
		for _, content := range []string{"one", "two", "three"} {
			if _, err := s.Put(ctx, NewObject(plumbing.BlobObject, []byte(content))); err != nil {
				return err
			}
		}
		var prev string
		n := 0
		err := s.ForEach(ctx, func(h plumbing.Hash) error {
			if cur := h.String(); cur < prev {
				t.Errorf("hashes out of order: %s after %s", cur, prev)
			} else {
				prev = cur
			}
			n++
			return nil
		})
		if err != nil {
			return err
		}
		if n != 3 {
			t.Errorf("visited %d objects, want 3", n)
		}
		return nil
	})
}
