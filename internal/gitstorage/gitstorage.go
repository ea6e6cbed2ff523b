// Package gitstorage adapts a gitdb repository to the entity.Storage
// contract: entity documents become blobs in a tree, and a batch of
// document writes becomes a single commit advanced with compare-and-set on
// the branch ref.
package gitstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/spiderdb/spiderdb/internal/gitdb"
)

// ErrStale reports a branch that moved between Open and Commit. The caller
// re-reads and retries.
var ErrStale = errors.New("branch moved since checkout")

// Storage is a unit-of-work view of one branch. Reads resolve against the
// commit the branch pointed at when the storage was opened, plus any
// writes buffered since; Commit publishes the buffered writes as one new
// commit.
//
// A Storage is bound to the transaction its repository was opened with and
// is not safe for concurrent use.
type Storage struct {
	ctx    context.Context
	repo   *gitdb.Repository
	branch string

	parent  plumbing.Hash
	files   map[string]plumbing.Hash
	pending map[string][]byte
	deleted map[string]bool
}

// Open checks out branch. A branch with no commits yet yields an empty
// tree. Branch names may be short (master) or full (refs/heads/master).
func Open(ctx context.Context, repo *gitdb.Repository, branch string) (*Storage, error) {
	if !strings.HasPrefix(branch, "refs/") && branch != gitdb.Head {
		branch = "refs/heads/" + branch
	}
	s := &Storage{
		ctx:     ctx,
		repo:    repo,
		branch:  branch,
		files:   map[string]plumbing.Hash{},
		pending: map[string][]byte{},
		deleted: map[string]bool{},
	}
	value, err := repo.Refs.Resolve(ctx, branch)
	switch {
	case errors.Is(err, gitdb.ErrRefNotFound):
		return s, nil
	case err != nil:
		return nil, err
	}
	s.parent = plumbing.NewHash(value)
	if err := s.loadTree(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parent returns the commit the storage was opened at, zero for an unborn
// branch.
func (s *Storage) Parent() plumbing.Hash { return s.parent }

// Dirty reports whether there are buffered writes or deletes.
func (s *Storage) Dirty() bool {
	return len(s.pending) > 0 || len(s.deleted) > 0
}

func (s *Storage) loadTree() error {
	commit, err := s.decodeCommit(s.parent)
	if err != nil {
		return err
	}
	return s.walkTree(commit.TreeHash, "")
}

func (s *Storage) walkTree(h plumbing.Hash, prefix string) error {
	tree, err := s.decodeTree(h)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		switch e.Mode {
		case filemode.Dir:
			if err := s.walkTree(e.Hash, full); err != nil {
				return err
			}
		case filemode.Regular, filemode.Executable:
			s.files[full] = e.Hash
		}
	}
	return nil
}

func (s *Storage) decodeCommit(h plumbing.Hash) (*object.Commit, error) {
	obj, err := s.memoryObject(h, plumbing.CommitObject)
	if err != nil {
		return nil, err
	}
	var c object.Commit
	if err := c.Decode(obj); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", h, err)
	}
	return &c, nil
}

func (s *Storage) decodeTree(h plumbing.Hash) (*object.Tree, error) {
	obj, err := s.memoryObject(h, plumbing.TreeObject)
	if err != nil {
		return nil, err
	}
	var t object.Tree
	if err := t.Decode(obj); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", h, err)
	}
	return &t, nil
}

func (s *Storage) memoryObject(h plumbing.Hash, want plumbing.ObjectType) (*plumbing.MemoryObject, error) {
	typ, data, err := s.repo.Objects.Get(s.ctx, h)
	if err != nil {
		return nil, err
	}
	if typ != want {
		return nil, fmt.Errorf("object %s is a %s, expected %s", h, typ, want)
	}
	obj := &plumbing.MemoryObject{}
	obj.SetType(typ)
	if _, err := obj.Write(data); err != nil {
		return nil, err
	}
	return obj, nil
}

// Exists implements entity.Storage.
func (s *Storage) Exists(p string) bool {
	if s.deleted[p] {
		return false
	}
	if _, ok := s.pending[p]; ok {
		return true
	}
	_, ok := s.files[p]
	return ok
}

// Open implements entity.Storage.
func (s *Storage) Open(p string) (io.ReadCloser, error) {
	if s.deleted[p] {
		return nil, fmt.Errorf("open %s: %w", p, gitdb.ErrObjectNotFound)
	}
	if data, ok := s.pending[p]; ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	h, ok := s.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, gitdb.ErrObjectNotFound)
	}
	typ, data, err := s.repo.Objects.Get(s.ctx, h)
	if err != nil {
		return nil, err
	}
	if typ != plumbing.BlobObject {
		return nil, fmt.Errorf("open %s: object %s is a %s", p, h, typ)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Save implements entity.Storage. Content is buffered until Commit.
func (s *Storage) Save(p string, content []byte) error {
	delete(s.deleted, p)
	s.pending[p] = content
	return nil
}

// Delete implements entity.Storage.
func (s *Storage) Delete(p string) error {
	delete(s.pending, p)
	if _, ok := s.files[p]; ok {
		s.deleted[p] = true
	}
	return nil
}

// ListDir implements entity.Storage: immediate subdirectories and files of
// dir, buffered writes included.
func (s *Storage) ListDir(dir string) ([]string, []string, error) {
	prefix := dir
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	dirSet := map[string]bool{}
	var files []string
	visit := func(p string) {
		if s.deleted[p] || !strings.HasPrefix(p, prefix) {
			return
		}
		rest := p[len(prefix):]
		if n := strings.IndexByte(rest, '/'); n >= 0 {
			dirSet[rest[:n]] = true
		} else {
			files = append(files, path.Base(p))
		}
	}
	for p := range s.files {
		if _, shadowed := s.pending[p]; !shadowed {
			visit(p)
		}
	}
	for p := range s.pending {
		visit(p)
	}
	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files, nil
}

// Commit publishes the buffered writes as one commit on the branch,
// advancing it with compare-and-set against the checkout parent. With
// nothing buffered it returns the parent unchanged.
func (s *Storage) Commit(message, authorName, authorEmail string) (plumbing.Hash, error) {
	if !s.Dirty() {
		return s.parent, nil
	}

	merged := make(map[string]plumbing.Hash, len(s.files)+len(s.pending))
	for p, h := range s.files {
		if !s.deleted[p] {
			merged[p] = h
		}
	}
	var newObjects []gitdb.Object
	for p, content := range s.pending {
		blob := gitdb.NewObject(plumbing.BlobObject, content)
		newObjects = append(newObjects, blob)
		merged[p] = blob.Hash
	}

	treeHash, treeObjects, err := buildTree(merged)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	newObjects = append(newObjects, treeObjects...)

	sig := object.Signature{Name: authorName, Email: authorEmail, When: time.Now()}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  treeHash,
	}
	if !s.parent.IsZero() {
		commit.ParentHashes = []plumbing.Hash{s.parent}
	}
	commitObj, err := encodeObject(commit, plumbing.CommitObject)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	newObjects = append(newObjects, commitObj)

	if err := s.repo.Objects.PutMany(s.ctx, newObjects); err != nil {
		return plumbing.ZeroHash, err
	}

	old := ""
	if !s.parent.IsZero() {
		old = s.parent.String()
	}
	var ok bool
	if old == "" {
		ok, err = s.repo.Refs.CreateIfAbsent(s.ctx, s.branch, commitObj.Hash.String())
	} else {
		ok, err = s.repo.Refs.CompareAndSet(s.ctx, s.branch, old, commitObj.Hash.String())
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !ok {
		return plumbing.ZeroHash, fmt.Errorf("%s: %w", s.branch, ErrStale)
	}

	s.parent = commitObj.Hash
	s.files = merged
	s.pending = map[string][]byte{}
	s.deleted = map[string]bool{}
	return commitObj.Hash, nil
}

type encoder interface {
	Encode(plumbing.EncodedObject) error
}

func encodeObject(e encoder, typ plumbing.ObjectType) (gitdb.Object, error) {
	obj := &plumbing.MemoryObject{}
	obj.SetType(typ)
	if err := e.Encode(obj); err != nil {
		return gitdb.Object{}, err
	}
	r, err := obj.Reader()
	if err != nil {
		return gitdb.Object{}, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return gitdb.Object{}, err
	}
	return gitdb.NewObject(typ, data), nil
}

// buildTree assembles the nested tree objects for a flat path to blob-hash
// mapping, returning the root hash and every tree object produced.
func buildTree(files map[string]plumbing.Hash) (plumbing.Hash, []gitdb.Object, error) {
	type node struct {
		blobs map[string]plumbing.Hash
		dirs  map[string]*node
	}
	newNode := func() *node {
		return &node{blobs: map[string]plumbing.Hash{}, dirs: map[string]*node{}}
	}
	root := newNode()
	for p, h := range files {
		cur := root
		parts := strings.Split(p, "/")
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur.dirs[part]
			if !ok {
				next = newNode()
				cur.dirs[part] = next
			}
			cur = next
		}
		cur.blobs[parts[len(parts)-1]] = h
	}

	var objects []gitdb.Object
	var encode func(n *node) (plumbing.Hash, error)
	encode = func(n *node) (plumbing.Hash, error) {
		entries := make([]object.TreeEntry, 0, len(n.blobs)+len(n.dirs))
		for name, h := range n.blobs {
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: h})
		}
		for name, child := range n.dirs {
			h, err := encode(child)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
		}
		sortTreeEntries(entries)
		obj, err := encodeObject(&object.Tree{Entries: entries}, plumbing.TreeObject)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		objects = append(objects, obj)
		return obj.Hash, nil
	}
	rootHash, err := encode(root)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	return rootHash, objects, nil
}

// sortTreeEntries orders entries the way git hashes trees: byte order, with
// directory names compared as if they ended in a slash.
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeEntryKey(entries[i]) < treeEntryKey(entries[j])
	})
}

func treeEntryKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
