// Package snapshot provides a generational key/value store for entity fields.
//
// A Store holds named generations, each a partial mapping of field name to
// value. The canonical generations are Working (unsaved local edits), Staged
// (edits queued for the next commit batch) and Committed (what is persisted).
// Reads scan an explicit generation order and return the first value found;
// they never mutate the store. Writes always target exactly one generation.
//
// Stores are not safe for concurrent use. A store is owned by a single
// caller for the duration of a unit of work; cross-process consistency is
// the responsibility of the persistence layer underneath.
package snapshot

import (
	"reflect"
	"slices"
)

// Generation names one layer of an entity's field values.
type Generation string

const (
	// Working holds entity-local edits not yet staged.
	Working Generation = "working"
	// Staged holds edits queued for the next commit batch.
	Staged Generation = "staged"
	// Committed holds the values as last persisted.
	Committed Generation = "committed"
)

// DefaultOrder is the canonical read order: most authoritative first.
var DefaultOrder = []Generation{Working, Staged, Committed}

// Store is a per-entity generational field store.
type Store struct {
	gens map[Generation]map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{gens: map[Generation]map[string]any{
		Working:   {},
		Staged:    {},
		Committed: {},
	}}
}

func (s *Store) gen(g Generation) map[string]any {
	m, ok := s.gens[g]
	if !ok {
		m = map[string]any{}
		s.gens[g] = m
	}
	return m
}

// Get scans the generations in order and returns the first value present.
func (s *Store) Get(field string, order ...Generation) (any, bool) {
	if len(order) == 0 {
		order = DefaultOrder
	}
	for _, g := range order {
		if v, ok := s.gens[g][field]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes value into exactly one generation.
func (s *Store) Set(field string, value any, gen Generation) {
	s.gen(gen)[field] = value
}

// Has reports whether field is present in any generation of order.
func (s *Store) Has(field string, order ...Generation) bool {
	_, ok := s.Get(field, order...)
	return ok
}

// Fields returns the field names present in a generation, sorted.
func (s *Store) Fields(gen Generation) []string {
	m := s.gens[gen]
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

// DirtyFields returns the fields present in gen whose value differs from, or
// is absent in, the first generation of compareOrder that contains them.
func (s *Store) DirtyFields(gen Generation, compareOrder ...Generation) []string {
	var dirty []string
	for _, field := range s.Fields(gen) {
		v := s.gens[gen][field]
		other, ok := s.Get(field, compareOrder...)
		if !ok || !reflect.DeepEqual(v, other) {
			dirty = append(dirty, field)
		}
	}
	return dirty
}

// UpdateSnapshot resolves each field by scanning sourceOrder and writes the
// value into target. Fields absent from every source generation are skipped.
func (s *Store) UpdateSnapshot(target Generation, sourceOrder []Generation, fields ...string) {
	for _, field := range fields {
		if v, ok := s.Get(field, sourceOrder...); ok {
			s.gen(target)[field] = v
		}
	}
}

// ClearSnapshot removes fields from a generation, or every field when none
// are given.
func (s *Store) ClearSnapshot(gen Generation, fields ...string) {
	if len(fields) == 0 {
		s.gens[gen] = map[string]any{}
		return
	}
	m := s.gens[gen]
	for _, field := range fields {
		delete(m, field)
	}
}

// CopyFrom merges every generation of other into s, overwriting fields that
// are present on both sides.
func (s *Store) CopyFrom(other *Store) {
	for g, m := range other.gens {
		dst := s.gen(g)
		for f, v := range m {
			dst[f] = v
		}
	}
}

// Accessor is a read-only view of a store under a fixed generation order.
// It is what path templates and serializers resolve field values against.
type Accessor struct {
	store *Store
	order []Generation
}

// Accessor returns a view of the store under the given order.
func (s *Store) Accessor(order ...Generation) Accessor {
	if len(order) == 0 {
		order = DefaultOrder
	}
	return Accessor{store: s, order: order}
}

// Get resolves field under the accessor's generation order.
func (a Accessor) Get(field string) (any, bool) {
	return a.store.Get(field, a.order...)
}

// Order returns the accessor's generation order.
func (a Accessor) Order() []Generation {
	return a.order
}
