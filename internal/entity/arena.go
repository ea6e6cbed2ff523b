package entity

import (
	"fmt"
	"io"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

type identity struct {
	spec string
	pk   string
}

// Arena is the identity map for one storage session. All instances of the
// same (type, primary key) constructed against an arena share one
// generational store, and each document path is loaded at most once.
type Arena struct {
	registry *Registry
	storage  Storage
	stores   map[identity]*snapshot.Store
	// loaded caches the file-model instances per handled path, so each
	// document is read at most once per session. A nil slice marks a path
	// that was probed and found missing; written paths carry the writing
	// entity (see noteWritten).
	loaded map[string][]*Instance
}

// NewArena returns an identity map bound to storage. storage may be nil for
// detached, in-memory work.
func NewArena(reg *Registry, storage Storage) *Arena {
	return &Arena{
		registry: reg,
		storage:  storage,
		stores:   map[identity]*snapshot.Store{},
		loaded:   map[string][]*Instance{},
	}
}

// Registry returns the type declarations the arena was built from.
func (a *Arena) Registry() *Registry { return a.registry }

// Storage returns the arena's persistence collaborator, nil for detached
// arenas.
func (a *Arena) Storage() Storage { return a.storage }

// noteWritten records that path was rewritten from in-memory state. The
// session never re-reads a written path; the writing entity stands in for
// the file's instances in Load checks.
func (a *Arena) noteWritten(path string, inst *Instance) {
	a.loaded[path] = []*Instance{inst}
}

func (a *Arena) store(spec *Spec, pk string) *snapshot.Store {
	id := identity{spec: spec.Name, pk: pk}
	st, ok := a.stores[id]
	if !ok {
		st = snapshot.New()
		a.stores[id] = st
	}
	return st
}

// Instance returns the handle for (typeName, pk), creating its store on
// first use. A brand-new identity records its primary key as a working
// (unsaved) value.
func (a *Arena) Instance(typeName, pk string) (*Instance, error) {
	spec, err := a.registry.Spec(typeName)
	if err != nil {
		return nil, err
	}
	return a.instanceAt(spec, pk, snapshot.Working), nil
}

// Materialized returns the handle for (typeName, pk), seeding the primary
// key as persisted data rather than an unsaved edit. Collection loaders use
// it for identities discovered in storage.
func (a *Arena) Materialized(typeName, pk string) (*Instance, error) {
	spec, err := a.registry.Spec(typeName)
	if err != nil {
		return nil, err
	}
	return a.instanceAt(spec, pk, snapshot.Committed), nil
}

// instanceAt returns the handle for (spec, pk), seeding the primary key into
// gen when the identity is new.
func (a *Arena) instanceAt(spec *Spec, pk string, gen snapshot.Generation) *Instance {
	st := a.store(spec, pk)
	if !st.Has(spec.PrimaryKey, snapshot.DefaultOrder...) {
		st.Set(spec.PrimaryKey, pk, gen)
	}
	return &Instance{spec: spec, arena: a, pk: pk, store: st, order: snapshot.DefaultOrder}
}

// Load returns the handle for (typeName, pk) backed by its document, if one
// exists. Unlike Instance it does not register an unsaved identity: a pk
// that is neither in storage nor already known to this session yields
// ErrNotFound.
func (a *Arena) Load(typeName, pk string) (*Instance, error) {
	spec, err := a.registry.Spec(typeName)
	if err != nil {
		return nil, err
	}
	id := identity{spec: spec.Name, pk: pk}
	if _, ok := a.stores[id]; ok {
		return a.instanceAt(spec, pk, snapshot.Committed), nil
	}
	inst := a.instanceAt(spec, pk, snapshot.Committed)
	loaded, err := a.loadDocument(inst)
	if err != nil {
		return nil, err
	}
	found := len(inst.store.Fields(snapshot.Committed)) > 1
	for _, li := range loaded {
		if li.sameIdentity(inst) {
			found = true
			break
		}
	}
	if !found {
		delete(a.stores, id)
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, typeName, pk)
	}
	return inst, nil
}

// loadDocument reads the document that carries i's data and materializes
// every entity in it into the arena, returning the file's top-level
// instances. Unresolvable paths and missing files are not errors; the
// instance simply stays empty.
func (a *Arena) loadDocument(i *Instance) ([]*Instance, error) {
	if a.storage == nil {
		return nil, nil
	}
	path, err := renderPath(i.spec, i.pathSource())
	if err != nil {
		return nil, nil
	}
	return a.loadPath(i.spec.fileModel, path, i.spec.Owner != "")
}

// loadPath parses one document into file-model instances. Results are cached
// per path for the life of the arena.
func (a *Arena) loadPath(fileModel *Spec, path string, many bool) ([]*Instance, error) {
	if cached, ok := a.loaded[path]; ok {
		return cached, nil
	}
	a.loaded[path] = nil
	if !a.storage.Exists(path) {
		return nil, nil
	}
	rc, err := a.storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	instances, err := a.loadDoc(fileModel, data, many)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.loaded[path] = instances
	return instances, nil
}

// loadDoc materializes raw document bytes. Envelope framing and pre-load
// transforms follow the file model's declarations.
func (a *Arena) loadDoc(spec *Spec, data []byte, many bool) ([]*Instance, error) {
	var parsed any
	doc, derr := DecodeDoc(data)
	if derr == nil {
		parsed = doc
	} else {
		// Non-envelope collections are arrays at the top level.
		list, lerr := decodeList(data)
		if lerr != nil {
			return nil, derr
		}
		parsed = list
	}
	bodies, err := unwrapEnvelope(spec, parsed, many)
	if err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(bodies))
	for _, body := range bodies {
		inst, err := a.fromDoc(spec, body)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// fromDoc materializes one body into a committed-generation instance,
// recursing into nested relationship values.
func (a *Arena) fromDoc(spec *Spec, body *Doc) (*Instance, error) {
	for _, tr := range spec.PreLoad {
		if err := tr.Fn(body); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", spec.Name, tr.Name, err)
		}
	}
	pkv, ok := body.Get(spec.PrimaryKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: body missing %s", ErrValidation, spec.Name, spec.PrimaryKey)
	}
	pk, ok := pkv.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s is not a string", ErrValidation, spec.Name, spec.PrimaryKey)
	}
	inst := a.instanceAt(spec, pk, snapshot.Committed)

	for i := range spec.Fields {
		f := &spec.Fields[i]
		if f.Name == spec.PrimaryKey {
			continue
		}
		v, ok := body.Get(f.Name)
		if !ok {
			continue
		}
		coerced, err := f.fromJSON(v)
		if err != nil {
			return nil, err
		}
		inst.store.Set(f.Name, coerced, snapshot.Committed)
	}

	for i := range spec.Rels {
		rel := &spec.Rels[i]
		if rel.IgnoreInFile {
			continue
		}
		v, ok := body.Get(rel.loadKey())
		if !ok {
			continue
		}
		if err := a.loadRel(inst, rel, v); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func (a *Arena) loadRel(inst *Instance, rel *RelSpec, v any) error {
	target := inst.spec.target(rel)
	back := inst.spec.reciprocal(rel)
	switch rel.Kind {
	case BelongsTo:
		related, err := a.relatedFromValue(target, rel, v)
		if err != nil {
			return err
		}
		inst.store.Set(rel.Name, related, snapshot.Committed)
		attach(related, back, inst, snapshot.Committed)
	case HasMany:
		members, err := a.membersFromValue(target, rel, v)
		if err != nil {
			return err
		}
		col := newCollection(inst, rel)
		for _, m := range members {
			m.store.Set(back.Name, inst, snapshot.Committed)
			col.items = append(col.items, m)
		}
		inst.store.Set(rel.Name, col, snapshot.Committed)
	}
	return nil
}

// relatedFromValue builds the scalar side of a loaded relationship: either a
// bare key (narrowed serialization) or a nested body.
func (a *Arena) relatedFromValue(target *Spec, rel *RelSpec, v any) (*Instance, error) {
	if only, ok := rel.scalarOnly(); ok {
		key, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a %s key, got %T", ErrValidation, rel.Name, target.Name, v)
		}
		if only == target.PrimaryKey {
			return a.instanceAt(target, key, snapshot.Committed), nil
		}
		body := NewDoc()
		body.Set(only, key)
		return a.fromDoc(target, body)
	}
	body, ok := asDoc(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected a nested %s object, got %T", ErrValidation, rel.Name, target.Name, v)
	}
	return a.fromDoc(target, body)
}

// membersFromValue builds the collection side: a list of keys, a list of
// bodies, or an envelope object depending on the target's framing.
func (a *Arena) membersFromValue(target *Spec, rel *RelSpec, v any) ([]*Instance, error) {
	if only, ok := rel.scalarOnly(); ok && only == target.PrimaryKey {
		keys, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a key list, got %T", ErrValidation, rel.Name, v)
		}
		members := make([]*Instance, 0, len(keys))
		for _, kv := range keys {
			key, ok := kv.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: expected a string key, got %T", ErrValidation, rel.Name, kv)
			}
			members = append(members, a.instanceAt(target, key, snapshot.Committed))
		}
		return members, nil
	}
	bodies, err := unwrapEnvelope(target, v, true)
	if err != nil {
		return nil, err
	}
	members := make([]*Instance, 0, len(bodies))
	for _, body := range bodies {
		m, err := a.fromDoc(target, body)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}
