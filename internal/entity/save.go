package entity

import (
	"fmt"
	"slices"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

// Save persists the instance's unsaved edits, and every related entity's
// edits they imply, as one batch of whole-document writes. only, when
// non-empty, restricts which of this instance's fields are considered.
//
// The batch runs in two phases. Staging copies dirty working values into
// the staged generation, here and on related entities whose documents or
// paths embed the changed fields. Committing then renders each affected
// document from the staged view, writes it, deletes documents whose path
// moved, and folds staged values into committed.
func (i *Instance) Save(only ...string) error {
	if i.arena.storage == nil {
		return nil
	}
	// Pull everything persisted into the committed generation first:
	// documents are written whole, and path moves are detected against
	// committed values.
	i.resolveCommitted()
	i.stageChanges(only)
	return i.commitChanges()
}

// Rollback discards the instance's unsaved edits.
func (i *Instance) Rollback() {
	i.store.ClearSnapshot(snapshot.Working)
}

func (i *Instance) resolveCommitted() {
	for _, field := range i.spec.fileFields() {
		if !i.store.Has(field, snapshot.Committed) {
			_, _ = i.arena.loadDocument(i)
			return
		}
	}
}

func (i *Instance) stageChanges(only []string) {
	dirty := i.store.DirtyFields(snapshot.Working, snapshot.Committed)
	if len(only) > 0 {
		dirty = intersect(dirty, only)
	}
	if len(dirty) > 0 {
		i.store.UpdateSnapshot(snapshot.Staged, []snapshot.Generation{snapshot.Working}, dirty...)
	}

	for _, ref := range i.stagedRefs() {
		back, ok := ref.related.spec.Rel(ref.backName)
		if !ok {
			continue
		}
		relatedDirty := dirty
		if len(back.Only) > 0 {
			relatedDirty = intersect(dirty, back.Only)
		}
		backDirty := slices.Contains(
			ref.related.store.DirtyFields(snapshot.Working, snapshot.Committed), ref.backName)
		if len(relatedDirty) > 0 || backDirty {
			ref.related.store.UpdateSnapshot(snapshot.Staged,
				[]snapshot.Generation{snapshot.Working, snapshot.Committed}, ref.backName)
		}
	}
}

func (i *Instance) commitChanges() error {
	saved := map[string]bool{}
	deleted := map[string]bool{}

	models := []*Instance{i}
	for _, ref := range i.stagedRefs() {
		models = append(models, ref.related)
	}

	for _, model := range models {
		staged := model.store.Fields(snapshot.Staged)
		dirty := intersect(model.spec.fileFields(), staged)

		path, err := renderPath(model.spec,
			model.WithOrder(snapshot.Staged, snapshot.Committed))
		if err != nil {
			return err
		}
		oldPath, err := renderPath(model.spec,
			model.WithOrder(snapshot.Committed, snapshot.Staged))
		if err != nil {
			return err
		}

		if len(dirty) == 0 && oldPath == path {
			continue
		}
		if !saved[path] {
			content, err := model.documentContent()
			if err != nil {
				return err
			}
			if err := i.arena.storage.Save(path, content); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
			saved[path] = true
			i.arena.noteWritten(path, model)
		}
		if oldPath != path && !deleted[oldPath] && !saved[oldPath] {
			if err := i.arena.storage.Delete(oldPath); err != nil {
				return fmt.Errorf("delete %s: %w", oldPath, err)
			}
			deleted[oldPath] = true
		}
	}

	for _, model := range models {
		staged := model.store.Fields(snapshot.Staged)
		if len(staged) == 0 {
			continue
		}
		model.store.UpdateSnapshot(snapshot.Committed,
			[]snapshot.Generation{snapshot.Staged}, staged...)
		model.store.ClearSnapshot(snapshot.Staged)
		working := model.store.Fields(snapshot.Working)
		model.store.ClearSnapshot(snapshot.Working, intersect(staged, working)...)
	}
	return nil
}

// documentContent renders the document that carries this entity. Owned
// types route through their owner chain: the whole file is the top-most
// owner's collection.
func (i *Instance) documentContent() ([]byte, error) {
	if i.spec.Owner == "" {
		return i.DumpJSON(snapshot.Staged)
	}
	child := i.WithOrder(snapshot.Staged, snapshot.Committed)
	var collection *Collection
	for child.spec.Owner != "" {
		parentField := child.spec.Owner
		parent, err := child.Related(parentField)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("%w: %s %q: owner %s is unset",
				ErrValidation, child.spec.Name, child.pk, parentField)
		}
		parent = parent.WithOrder(snapshot.Staged, snapshot.Committed)
		rel, _ := child.spec.Rel(parentField)
		collection, err = parent.Collection(rel.RelatedName)
		if err != nil {
			return nil, err
		}
		child = parent
	}
	return collection.DumpJSON(snapshot.Staged)
}

// stagedRef is one related entity reachable from a staged or committed
// relationship value, with the name of its relationship pointing back here.
type stagedRef struct {
	related  *Instance
	backName string
}

// stagedRefs walks every relationship value visible under the staged or
// committed generations and yields the related instances. Collections
// expand to their members.
func (i *Instance) stagedRefs() []stagedRef {
	var refs []stagedRef
	for n := range i.spec.Rels {
		rel := &i.spec.Rels[n]
		v, ok := i.store.Get(rel.Name, snapshot.Staged, snapshot.Committed)
		if !ok {
			continue
		}
		switch value := v.(type) {
		case *Collection:
			for _, member := range value.items {
				refs = append(refs, stagedRef{related: member, backName: rel.RelatedName})
			}
		case *Instance:
			if value != nil {
				refs = append(refs, stagedRef{related: value, backName: rel.RelatedName})
			}
		}
	}
	return refs
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}
