package entity

import (
	"fmt"
	"slices"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

// dumpOrder maps the generation being serialized to the read order used to
// resolve values: the requested generation first, then everything beneath
// it.
func dumpOrder(state snapshot.Generation) []snapshot.Generation {
	switch state {
	case snapshot.Working:
		return snapshot.DefaultOrder
	case snapshot.Staged:
		return []snapshot.Generation{snapshot.Staged, snapshot.Committed}
	default:
		return []snapshot.Generation{snapshot.Committed}
	}
}

// Dump serializes the instance as it stands in state, envelope framing
// included.
func (i *Instance) Dump(state snapshot.Generation) (*Doc, error) {
	body, err := i.dumpBody(dumpOrder(state), nil)
	if err != nil {
		return nil, err
	}
	if i.spec.Envelope {
		return wrapEnvelope(i.spec, []*Doc{body})
	}
	return body, nil
}

// DumpJSON renders the instance's document content for state.
func (i *Instance) DumpJSON(state snapshot.Generation) ([]byte, error) {
	d, err := i.Dump(state)
	if err != nil {
		return nil, err
	}
	return EncodeDoc(d)
}

// dumpBody builds one key-sorted body. only, when non-nil, restricts the
// serialized names (narrowed nested serialization).
func (i *Instance) dumpBody(order []snapshot.Generation, only []string) (*Doc, error) {
	body := NewDoc()
	include := func(name string) bool {
		return only == nil || slices.Contains(only, name) || name == i.spec.PrimaryKey
	}

	for n := range i.spec.Fields {
		f := &i.spec.Fields[n]
		if !include(f.Name) {
			continue
		}
		v, ok := i.store.Get(f.Name, order...)
		if !ok {
			if f.Default == nil {
				continue
			}
			v = f.Default
		}
		body.Set(f.Name, v)
	}

	for n := range i.spec.Rels {
		rel := &i.spec.Rels[n]
		if rel.IgnoreInFile || !include(rel.Name) {
			continue
		}
		v, err := i.dumpRel(rel, order)
		if err != nil {
			return nil, err
		}
		if v != nil {
			body.Set(rel.dumpKey(), v)
		}
	}

	for _, tr := range i.spec.PostDump {
		if err := tr.Fn(body); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", i.spec.Name, tr.Name, err)
		}
	}
	return sortKeys(body), nil
}

func (i *Instance) dumpRel(rel *RelSpec, order []snapshot.Generation) (any, error) {
	switch rel.Kind {
	case BelongsTo:
		v, ok := i.store.Get(rel.Name, order...)
		if !ok {
			return nil, nil
		}
		related, _ := v.(*Instance)
		if related == nil {
			return nil, nil
		}
		if only, ok := rel.scalarOnly(); ok {
			s, ok := related.store.Get(only, order...)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s: related %s is unset", ErrValidation, i.spec.Name, rel.Name, only)
			}
			return s, nil
		}
		return related.dumpBody(order, rel.Only)
	case HasMany:
		// An absent collection serializes as empty, so a brand-new entity
		// still produces a complete document.
		col, err := i.WithOrder(order...).Collection(rel.Name)
		if err != nil {
			return nil, err
		}
		return dumpCollection(col, rel, order)
	}
	return nil, nil
}

// dumpCollection serializes a has-many side: a list of keys under narrowed
// serialization, an envelope object for envelope targets, a list of bodies
// otherwise. Member insertion order is preserved.
func dumpCollection(col *Collection, rel *RelSpec, order []snapshot.Generation) (any, error) {
	target := col.owner.spec.target(rel)
	if only, ok := rel.scalarOnly(); ok {
		keys := make([]any, 0, len(col.items))
		for _, m := range col.items {
			v, ok := m.store.Get(only, order...)
			if !ok {
				return nil, fmt.Errorf("%w: %s: member %s is unset", ErrValidation, rel.Name, only)
			}
			keys = append(keys, v)
		}
		return keys, nil
	}
	bodies := make([]*Doc, 0, len(col.items))
	for _, m := range col.items {
		body, err := m.dumpBody(order, rel.Only)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	if target.Envelope {
		return wrapEnvelope(target, bodies)
	}
	out := make([]any, len(bodies))
	for n, b := range bodies {
		out[n] = b
	}
	return out, nil
}

// DumpJSON renders the collection as document content for state, the form
// owned types are persisted in.
func (c *Collection) DumpJSON(state snapshot.Generation) ([]byte, error) {
	v, err := dumpCollection(c, c.rel, dumpOrder(state))
	if err != nil {
		return nil, err
	}
	if d, ok := asDoc(v); ok {
		return EncodeDoc(d)
	}
	return encodeJSON(v)
}
