// Package entity implements a snapshot-versioned mapping layer for
// file-shaped domain entities.
//
// Entity types are described by declarative Spec records (fields,
// relationships, path template, envelope framing) collected in a Registry and
// validated once at build time. Instances are handles onto per-identity
// generational stores (see internal/snapshot): edits land in the working
// generation, Save stages dirty fields across the relationship graph and
// flushes whole JSON documents through a Storage collaborator as one batch,
// then folds staged values into committed.
//
// An Arena is the identity map for one storage session: two instances with
// the same (type, primary key) constructed against the same arena share the
// same underlying store, so edits through either handle are mutually
// visible. The arena also tracks which document paths have been loaded, so a
// document is read at most once per session.
package entity

import (
	"errors"
	"io"
)

var (
	// ErrNotFound reports a missing document or entity.
	ErrNotFound = errors.New("not found")
	// ErrValidation reports a rejected value: a type mismatch on a
	// relationship assignment, an enum violation, or an envelope key that
	// disagrees with the body's primary key.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration reports invalid declarative setup, detected when the
	// registry is built. It is fatal and never recoverable at runtime.
	ErrConfiguration = errors.New("configuration error")
	// ErrPathResolution reports a path template that cannot render from the
	// currently available data. Callers may recover by skipping resolution.
	ErrPathResolution = errors.New("path resolution error")
)

// Storage is the persistence collaborator entities are loaded from and
// saved to. Paths are slash-separated and relative.
type Storage interface {
	Exists(path string) bool
	Open(path string) (io.ReadCloser, error)
	Save(path string, content []byte) error
	Delete(path string) error
	// ListDir returns the immediate subdirectories and files of dir.
	ListDir(dir string) (subdirs, files []string, err error)
}
