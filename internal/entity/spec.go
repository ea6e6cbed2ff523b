package entity

import (
	"fmt"
	"slices"
)

// RelKind distinguishes the two relationship directions.
type RelKind int

const (
	// BelongsTo is the scalar side: the entity holds one related instance.
	BelongsTo RelKind = iota
	// HasMany is the collection side.
	HasMany
)

// RelSpec declares one relationship of an entity type. Every relationship is
// declared on both types, with RelatedName on each side naming the
// reciprocal declaration on the other.
type RelSpec struct {
	Name        string
	Kind        RelKind
	Target      string
	RelatedName string
	// Only narrows what is serialized for the related side to the listed
	// fields. A single field serializes as a bare scalar (or list of
	// scalars for HasMany) instead of a nested body.
	Only []string
	// IgnoreInFile keeps the relationship out of documents entirely.
	IgnoreInFile bool
	// LoadFrom and DumpTo override the wire key. Empty means Name.
	LoadFrom string
	DumpTo   string
}

func (r *RelSpec) loadKey() string {
	if r.LoadFrom != "" {
		return r.LoadFrom
	}
	return r.Name
}

func (r *RelSpec) dumpKey() string {
	if r.DumpTo != "" {
		return r.DumpTo
	}
	return r.Name
}

// scalarOnly returns the single narrowed field name, if the related side
// serializes as a bare scalar.
func (r *RelSpec) scalarOnly() (string, bool) {
	if len(r.Only) == 1 {
		return r.Only[0], true
	}
	return "", false
}

// Transform is a named document rewrite hook. PreLoad transforms run on each
// body after envelope unwrapping and before field extraction; PostDump
// transforms run on each body after serialization and key sorting.
type Transform struct {
	Name string
	Fn   func(d *Doc) error
}

// ScopedLoader overrides how a has-many collection is populated from
// storage. It returns the member instances for owner's collection, or nil
// when storage holds none.
type ScopedLoader func(a *Arena, owner *Instance) ([]*Instance, error)

// Spec declares one entity type.
type Spec struct {
	Name string
	// Path is the document path template. Segments of the form
	// {self.field} and {self.rel.field} are substituted from instance
	// data.
	Path string
	// Owner names the belongs-to relationship whose target owns this
	// type's documents. Owned types are serialized inside their owner
	// chain's file rather than their own.
	Owner string
	// Envelope frames the type's documents as {pk: body, ...} objects.
	Envelope bool
	// EnvelopeRemoveKey drops the primary key field from bodies, leaving
	// the envelope key as its only carrier.
	EnvelopeRemoveKey bool

	Fields []FieldSpec
	Rels   []RelSpec

	PreLoad  []Transform
	PostDump []Transform
	// LoadCollection, when set, replaces the path-template scan used to
	// populate has-many collections targeting this type.
	LoadCollection ScopedLoader

	// PrimaryKey is resolved at build time from the field marked as such.
	PrimaryKey string

	fields    map[string]*FieldSpec
	rels      map[string]*RelSpec
	fileModel *Spec
	registry  *Registry
}

// Field returns the named field declaration, if any.
func (s *Spec) Field(name string) (*FieldSpec, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Rel returns the named relationship declaration, if any.
func (s *Spec) Rel(name string) (*RelSpec, bool) {
	r, ok := s.rels[name]
	return r, ok
}

// target returns the spec of a relationship's other side.
func (s *Spec) target(r *RelSpec) *Spec {
	return s.registry.specs[r.Target]
}

// reciprocal returns the declaration on the other side pointing back here.
func (s *Spec) reciprocal(r *RelSpec) *RelSpec {
	return s.target(r).rels[r.RelatedName]
}

// fileFields returns the names that participate in this type's documents:
// every scalar field plus relationships not marked IgnoreInFile.
func (s *Spec) fileFields() []string {
	names := make([]string, 0, len(s.Fields)+len(s.Rels))
	for i := range s.Fields {
		names = append(names, s.Fields[i].Name)
	}
	for i := range s.Rels {
		if !s.Rels[i].IgnoreInFile {
			names = append(names, s.Rels[i].Name)
		}
	}
	return names
}

// Registry holds the entity type declarations for one domain and validates
// them as a whole.
type Registry struct {
	specs map[string]*Spec
	built bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: map[string]*Spec{}}
}

// Register adds a type declaration. It fails on duplicate names or when the
// registry was already built.
func (r *Registry) Register(s *Spec) error {
	if r.built {
		return fmt.Errorf("%w: register %s: registry already built", ErrConfiguration, s.Name)
	}
	if _, ok := r.specs[s.Name]; ok {
		return fmt.Errorf("%w: duplicate type %s", ErrConfiguration, s.Name)
	}
	r.specs[s.Name] = s
	s.registry = r
	return nil
}

// Spec returns a registered type by name.
func (r *Registry) Spec(name string) (*Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %s", ErrConfiguration, name)
	}
	return s, nil
}

// Build validates the whole registry. Every declarative error is reported
// here rather than surfacing later at runtime.
func (r *Registry) Build() error {
	for _, s := range r.specs {
		if err := r.buildSpec(s); err != nil {
			return err
		}
	}
	for _, s := range r.specs {
		if err := r.checkRels(s); err != nil {
			return err
		}
	}
	for _, s := range r.specs {
		if err := r.resolveFileModel(s); err != nil {
			return err
		}
	}
	r.built = true
	return nil
}

func (r *Registry) buildSpec(s *Spec) error {
	s.fields = make(map[string]*FieldSpec, len(s.Fields))
	s.rels = make(map[string]*RelSpec, len(s.Rels))
	for i := range s.Fields {
		f := &s.Fields[i]
		if _, dup := s.fields[f.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate field %s", ErrConfiguration, s.Name, f.Name)
		}
		s.fields[f.Name] = f
		if f.PrimaryKey {
			if s.PrimaryKey != "" {
				return fmt.Errorf("%w: %s: multiple primary keys (%s, %s)", ErrConfiguration, s.Name, s.PrimaryKey, f.Name)
			}
			s.PrimaryKey = f.Name
		}
		if f.Kind == KindDependent && !fieldDeclared(s.Fields, f.DependsOn) {
			return fmt.Errorf("%w: %s: %s depends on unknown field %s", ErrConfiguration, s.Name, f.Name, f.DependsOn)
		}
	}
	if s.PrimaryKey == "" {
		return fmt.Errorf("%w: %s: no primary key field", ErrConfiguration, s.Name)
	}
	for i := range s.Rels {
		rel := &s.Rels[i]
		if _, dup := s.fields[rel.Name]; dup {
			return fmt.Errorf("%w: %s: %s declared as both field and relationship", ErrConfiguration, s.Name, rel.Name)
		}
		if _, dup := s.rels[rel.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate relationship %s", ErrConfiguration, s.Name, rel.Name)
		}
		s.rels[rel.Name] = rel
	}
	return nil
}

func fieldDeclared(fields []FieldSpec, name string) bool {
	for i := range fields {
		if fields[i].Name == name {
			return true
		}
	}
	return false
}

func (r *Registry) checkRels(s *Spec) error {
	for i := range s.Rels {
		rel := &s.Rels[i]
		target, ok := r.specs[rel.Target]
		if !ok {
			return fmt.Errorf("%w: %s.%s: unknown target type %s", ErrConfiguration, s.Name, rel.Name, rel.Target)
		}
		back, ok := target.rels[rel.RelatedName]
		if !ok {
			return fmt.Errorf("%w: %s.%s: target %s has no relationship %s", ErrConfiguration, s.Name, rel.Name, rel.Target, rel.RelatedName)
		}
		if back.Target != s.Name || back.RelatedName != rel.Name {
			return fmt.Errorf("%w: %s.%s and %s.%s are not reciprocal", ErrConfiguration, s.Name, rel.Name, rel.Target, rel.RelatedName)
		}
		if rel.Kind == back.Kind && rel.Kind == HasMany {
			return fmt.Errorf("%w: %s.%s: many-to-many is not supported", ErrConfiguration, s.Name, rel.Name)
		}
		for _, only := range rel.Only {
			if _, ok := target.fields[only]; !ok {
				if _, isRel := target.rels[only]; !isRel {
					return fmt.Errorf("%w: %s.%s: only names unknown field %s.%s", ErrConfiguration, s.Name, rel.Name, rel.Target, only)
				}
			}
		}
		// Two sides nesting each other's relationships would serialize
		// forever.
		if !rel.IgnoreInFile && !back.IgnoreInFile &&
			nestsRelationships(rel, target) && nestsRelationships(back, s) {
			return fmt.Errorf("%w: %s.%s: both sides serialize nested relationships", ErrConfiguration, s.Name, rel.Name)
		}
	}
	if s.Owner != "" {
		owner, ok := s.rels[s.Owner]
		if !ok {
			return fmt.Errorf("%w: %s: owner %s is not a relationship", ErrConfiguration, s.Name, s.Owner)
		}
		if owner.Kind != BelongsTo {
			return fmt.Errorf("%w: %s: owner %s must be a belongs-to relationship", ErrConfiguration, s.Name, s.Owner)
		}
	}
	return nil
}

// nestsRelationships reports whether rel's serialized form includes any of
// the target type's relationships.
func nestsRelationships(rel *RelSpec, target *Spec) bool {
	if len(rel.Only) == 0 {
		for i := range target.Rels {
			if !target.Rels[i].IgnoreInFile {
				return true
			}
		}
		return false
	}
	for _, name := range rel.Only {
		if _, ok := target.rels[name]; ok {
			return true
		}
	}
	return false
}

// resolveFileModel walks the owner chain to the top-most type sharing this
// type's path template. Owned types load and dump through that type's
// documents.
func (r *Registry) resolveFileModel(s *Spec) error {
	model := s
	var seen []string
	for model.Owner != "" {
		if slices.Contains(seen, model.Name) {
			return fmt.Errorf("%w: %s: owner cycle through %v", ErrConfiguration, s.Name, seen)
		}
		seen = append(seen, model.Name)
		owner := r.specs[model.rels[model.Owner].Target]
		if owner == model || owner.Path != s.Path {
			break
		}
		model = owner
	}
	s.fileModel = model
	return nil
}
