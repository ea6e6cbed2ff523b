package entity

import (
	"fmt"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

// Instance is a handle onto one entity identity. Handles are cheap: all
// state lives in the arena's per-identity store, so every handle for the
// same (type, primary key) sees the same data. A handle carries the
// generation order its reads resolve under; WithOrder derives views for
// other orders.
type Instance struct {
	spec  *Spec
	arena *Arena
	pk    string
	store *snapshot.Store
	order []snapshot.Generation
}

// Spec returns the instance's type declaration.
func (i *Instance) Spec() *Spec { return i.spec }

// PK returns the primary key the instance was constructed with.
func (i *Instance) PK() string { return i.pk }

func (i *Instance) sameIdentity(other *Instance) bool {
	return other != nil && i.spec.Name == other.spec.Name && i.pk == other.pk
}

// WithOrder returns a view of the same identity that reads under the given
// generation order.
func (i *Instance) WithOrder(order ...snapshot.Generation) *Instance {
	return &Instance{spec: i.spec, arena: i.arena, pk: i.pk, store: i.store, order: order}
}

// value implements valueSource for path templates. It reads the store
// directly, without triggering document loads.
func (i *Instance) value(name string) (any, bool) {
	return i.store.Get(name, i.order...)
}

// pathSource is the view paths are rendered against during loads: persisted
// values first, falling back to unsaved ones.
func (i *Instance) pathSource() valueSource {
	return i.WithOrder(snapshot.Committed, snapshot.Working)
}

// StoragePath renders the instance's document path under its read order.
func (i *Instance) StoragePath() (string, error) {
	return renderPath(i.spec, i)
}

// Get returns a scalar field's value under the instance's read order,
// loading the backing document on first access when needed.
func (i *Instance) Get(field string) (any, bool) {
	f, ok := i.spec.Field(field)
	if !ok {
		return nil, false
	}
	if v, ok := i.store.Get(field, i.order...); ok {
		return v, true
	}
	i.resolve(field)
	if v, ok := i.store.Get(field, i.order...); ok {
		return v, true
	}
	if f.Default != nil {
		return f.Default, true
	}
	return nil, false
}

// MustGet returns a field's value and panics when it cannot be resolved.
// Use it for fields with a default or a required declaration.
func (i *Instance) MustGet(field string) any {
	v, ok := i.Get(field)
	if !ok {
		panic(fmt.Sprintf("%s %q has no value for %s", i.spec.Name, i.pk, field))
	}
	return v
}

// GetString returns a string field, or "" when unset.
func (i *Instance) GetString(field string) string {
	v, _ := i.Get(field)
	s, _ := v.(string)
	return s
}

// GetBool returns a bool field, or false when unset.
func (i *Instance) GetBool(field string) bool {
	v, _ := i.Get(field)
	b, _ := v.(bool)
	return b
}

// GetStrings returns a string-list field, or nil when unset.
func (i *Instance) GetStrings(field string) []string {
	v, _ := i.Get(field)
	items, _ := v.([]string)
	return items
}

// Set validates value against the field's declaration and records it as an
// unsaved edit.
func (i *Instance) Set(field string, value any) error {
	f, ok := i.spec.Field(field)
	if !ok {
		return fmt.Errorf("%w: %s has no field %s", ErrValidation, i.spec.Name, field)
	}
	var peer any
	if f.Kind == KindDependent {
		peer, _ = i.Get(f.DependsOn)
	}
	if err := f.Validate(value, peer); err != nil {
		return err
	}
	i.store.Set(field, value, snapshot.Working)
	return nil
}

// Related returns the instance on the scalar side of a belongs-to
// relationship, or nil when unset.
func (i *Instance) Related(name string) (*Instance, error) {
	rel, ok := i.spec.Rel(name)
	if !ok || rel.Kind != BelongsTo {
		return nil, fmt.Errorf("%w: %s has no belongs-to relationship %s", ErrValidation, i.spec.Name, name)
	}
	if v, ok := i.store.Get(name, i.order...); ok {
		related, _ := v.(*Instance)
		return related, nil
	}
	if !rel.IgnoreInFile {
		i.resolve(name)
		if v, ok := i.store.Get(name, i.order...); ok {
			related, _ := v.(*Instance)
			return related, nil
		}
	}
	return nil, nil
}

// SetRelated points a belongs-to relationship at related and keeps the
// reciprocal side consistent: the previous partner's collection drops this
// instance (or its scalar back-reference clears), the new partner's gains
// it. related may be nil to detach.
func (i *Instance) SetRelated(name string, related *Instance) error {
	rel, ok := i.spec.Rel(name)
	if !ok || rel.Kind != BelongsTo {
		return fmt.Errorf("%w: %s has no belongs-to relationship %s", ErrValidation, i.spec.Name, name)
	}
	if related != nil && related.spec.Name != rel.Target {
		return wrongTypeError(rel, related)
	}
	back := i.spec.reciprocal(rel)
	if prev, ok := i.store.Get(name, i.order...); ok {
		if prevInst, ok := prev.(*Instance); ok && prevInst != nil && !prevInst.sameIdentity(related) {
			if back.Kind == HasMany {
				prevInst.collectionRemoveItem(rel.RelatedName, i)
			} else {
				prevInst.store.Set(back.Name, (*Instance)(nil), snapshot.Working)
			}
		}
	}
	i.store.Set(name, related, snapshot.Working)
	if related != nil {
		if back.Kind == HasMany {
			attach(related, back, i, snapshot.Working)
		} else {
			// Taking over a partner that points elsewhere clears the old
			// partner's scalar side too.
			if old, ok := related.store.Get(back.Name, related.order...); ok {
				if oldInst, ok := old.(*Instance); ok && oldInst != nil && !oldInst.sameIdentity(i) {
					oldInst.store.Set(rel.Name, (*Instance)(nil), snapshot.Working)
				}
			}
			related.store.Set(back.Name, i, snapshot.Working)
		}
	}
	return nil
}

// Collection returns the has-many side of a relationship, hydrating it from
// storage on first access.
func (i *Instance) Collection(name string) (*Collection, error) {
	rel, ok := i.spec.Rel(name)
	if !ok || rel.Kind != HasMany {
		return nil, fmt.Errorf("%w: %s has no has-many relationship %s", ErrValidation, i.spec.Name, name)
	}
	if !rel.IgnoreInFile {
		i.resolve(name)
	}
	if v, ok := i.store.Get(name, i.order...); ok {
		if col, ok := v.(*Collection); ok {
			return col, nil
		}
	}
	col := newCollection(i, rel)
	i.store.Set(name, col, snapshot.Committed)
	if i.arena.storage != nil {
		members, err := i.loadScoped(rel)
		if err != nil {
			return nil, err
		}
		back := i.spec.reciprocal(rel)
		for _, m := range members {
			if !col.Contains(m) {
				m.store.Set(back.Name, i, snapshot.Committed)
				col.items = append(col.items, m)
			}
		}
	}
	return col, nil
}

// loadScoped populates a has-many collection from storage: the target
// type's loader hook when it has one, otherwise the document named by its
// path template with this instance bound as the reciprocal side.
func (i *Instance) loadScoped(rel *RelSpec) ([]*Instance, error) {
	target := i.spec.target(rel)
	if target.LoadCollection != nil {
		return target.LoadCollection(i.arena, i)
	}
	path, err := renderPath(target, mapSource{rel.RelatedName: i})
	if err != nil {
		// Paths needing the member's own key cannot enumerate members.
		return nil, nil
	}
	members, err := i.arena.loadPath(target.fileModel, path, target.Owner != "")
	if err != nil {
		return nil, err
	}
	if target.fileModel != target {
		// The file materialized under its top-level type; members of the
		// requested type were registered as nested entities and will be
		// reached through them.
		return nil, nil
	}
	return members, nil
}

// resolve loads the instance's backing document if any of the named file
// fields are still unset. Path resolution failures are not errors here;
// the fields simply stay unset.
func (i *Instance) resolve(fields ...string) {
	if i.arena.storage == nil {
		return
	}
	for _, field := range fields {
		if i.isFileField(field) && !i.store.Has(field, i.order...) {
			_, _ = i.arena.loadDocument(i)
			return
		}
	}
}

func (i *Instance) isFileField(name string) bool {
	if _, ok := i.spec.Field(name); ok {
		return true
	}
	if rel, ok := i.spec.Rel(name); ok {
		return !rel.IgnoreInFile
	}
	return false
}

// collectionRemoveItem drops item from the named collection if it is
// materialized. Used to keep the reciprocal side consistent on re-parenting.
func (i *Instance) collectionRemoveItem(name string, item *Instance) {
	v, ok := i.store.Get(name, snapshot.DefaultOrder...)
	if !ok {
		return
	}
	col, ok := v.(*Collection)
	if !ok {
		return
	}
	for n, member := range col.items {
		if member.sameIdentity(item) {
			col.items = append(col.items[:n], col.items[n+1:]...)
			return
		}
	}
}

func wrongTypeError(rel *RelSpec, inst *Instance) error {
	return fmt.Errorf("%w: %s expects %s, got %s", ErrValidation, rel.Name, rel.Target, inst.spec.Name)
}
