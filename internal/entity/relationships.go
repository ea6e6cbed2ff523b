package entity

import (
	"github.com/spiderdb/spiderdb/internal/snapshot"
)

// attach records member in owner's has-many collection named by rel.
//
// For unsaved attaches the collection is fully materialized first, so
// persisted members are not lost behind the new one. During document loads
// a collection that is not yet materialized is left alone: hydrating it
// later rediscovers the member from the document itself.
func attach(owner *Instance, rel *RelSpec, member *Instance, gen snapshot.Generation) {
	v, ok := owner.store.Get(rel.Name, snapshot.DefaultOrder...)
	if !ok && gen == snapshot.Working {
		col, err := owner.Collection(rel.Name)
		if err != nil || col == nil {
			// Collections always materialize under committed so every
			// generation order sees the same object.
			col = newCollection(owner, rel)
			owner.store.Set(rel.Name, col, snapshot.Committed)
		}
		if !col.Contains(member) {
			col.items = append(col.items, member)
		}
		return
	}
	col, isCol := v.(*Collection)
	if !isCol {
		return
	}
	if !col.Contains(member) {
		col.items = append(col.items, member)
	}
}
