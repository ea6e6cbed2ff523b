package entity

import (
	"slices"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

// Collection is the has-many side of a relationship: an ordered set of
// related instances owned by one entity. Membership changes write the
// scalar side of each member, so they participate in dirty tracking and are
// picked up by Save.
type Collection struct {
	owner *Instance
	rel   *RelSpec
	items []*Instance
}

func newCollection(owner *Instance, rel *RelSpec) *Collection {
	return &Collection{owner: owner, rel: rel}
}

// Len returns the number of members.
func (c *Collection) Len() int { return len(c.items) }

// Items returns the members in order. The slice is a copy.
func (c *Collection) Items() []*Instance {
	return slices.Clone(c.items)
}

// Get returns the member with the given primary key.
func (c *Collection) Get(pk string) (*Instance, bool) {
	for _, item := range c.items {
		if item.pk == pk {
			return item, true
		}
	}
	return nil, false
}

// Contains reports membership by identity.
func (c *Collection) Contains(inst *Instance) bool {
	for _, item := range c.items {
		if item.sameIdentity(inst) {
			return true
		}
	}
	return false
}

// Add appends inst and points its reciprocal relationship back at the
// owner. Adding a present member is a no-op.
func (c *Collection) Add(inst *Instance) error {
	if err := c.checkMember(inst); err != nil {
		return err
	}
	if c.Contains(inst) {
		return nil
	}
	back := c.owner.spec.reciprocal(c.rel)
	if back.Kind == BelongsTo {
		// Steal from the previous owner, if any.
		if prev, ok := inst.store.Get(back.Name, inst.order...); ok {
			if prevOwner, ok := prev.(*Instance); ok && !prevOwner.sameIdentity(c.owner) {
				prevOwner.collectionRemoveItem(c.rel.Name, inst)
			}
		}
		inst.store.Set(back.Name, c.owner, snapshot.Working)
	}
	c.items = append(c.items, inst)
	return nil
}

// Remove drops inst from the collection and clears its reciprocal
// relationship.
func (c *Collection) Remove(inst *Instance) error {
	if err := c.checkMember(inst); err != nil {
		return err
	}
	for n, item := range c.items {
		if item.sameIdentity(inst) {
			c.items = slices.Delete(c.items, n, n+1)
			back := c.owner.spec.reciprocal(c.rel)
			if back.Kind == BelongsTo {
				inst.store.Set(back.Name, (*Instance)(nil), snapshot.Working)
			}
			return nil
		}
	}
	return nil
}

func (c *Collection) checkMember(inst *Instance) error {
	if inst.spec.Name != c.rel.Target {
		return wrongTypeError(c.rel, inst)
	}
	return nil
}
