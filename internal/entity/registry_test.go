package entity

import (
	"errors"
	"testing"
)

func buildErr(t *testing.T, specs ...*Spec) error {
	t.Helper()
	reg := NewRegistry()
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return reg.Build()
}

func TestRegistryRejectsMissingPrimaryKey(t *testing.T) {
	err := buildErr(t, &Spec{
		Name:   "thing",
		Path:   "thing.json",
		Fields: []FieldSpec{{Name: "name", Kind: KindString}},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestRegistryRejectsMultiplePrimaryKeys(t *testing.T) {
	err := buildErr(t, &Spec{
		Name: "thing",
		Path: "thing.json",
		Fields: []FieldSpec{
			{Name: "id", Kind: KindString, PrimaryKey: true},
			{Name: "other", Kind: KindString, PrimaryKey: true},
		},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestRegistryRejectsNonReciprocalRelationship(t *testing.T) {
	err := buildErr(t,
		&Spec{
			Name:   "a",
			Path:   "a.json",
			Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
			Rels:   []RelSpec{{Name: "bees", Kind: HasMany, Target: "b", RelatedName: "a"}},
		},
		&Spec{
			Name:   "b",
			Path:   "b.json",
			Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
			Rels:   []RelSpec{{Name: "a", Kind: BelongsTo, Target: "a", RelatedName: "wrong"}},
		},
	)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestRegistryRejectsUnknownTarget(t *testing.T) {
	err := buildErr(t, &Spec{
		Name:   "a",
		Path:   "a.json",
		Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
		Rels:   []RelSpec{{Name: "bees", Kind: HasMany, Target: "nope", RelatedName: "a"}},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestRegistryRejectsMutuallyNestedRelationships(t *testing.T) {
	// Both sides serialize the other's relationships: dumping either would
	// never terminate.
	err := buildErr(t,
		&Spec{
			Name:   "a",
			Path:   "a.json",
			Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
			Rels:   []RelSpec{{Name: "b", Kind: BelongsTo, Target: "b", RelatedName: "a"}},
		},
		&Spec{
			Name:   "b",
			Path:   "b.json",
			Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
			Rels:   []RelSpec{{Name: "a", Kind: BelongsTo, Target: "a", RelatedName: "b"}},
		},
	)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestRegistryRejectsOwnerThatIsNotBelongsTo(t *testing.T) {
	err := buildErr(t,
		&Spec{
			Name:   "a",
			Path:   "a.json",
			Owner:  "bees",
			Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
			Rels:   []RelSpec{{Name: "bees", Kind: HasMany, Target: "b", RelatedName: "a", IgnoreInFile: true}},
		},
		&Spec{
			Name:   "b",
			Path:   "b.json",
			Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
			Rels:   []RelSpec{{Name: "a", Kind: BelongsTo, Target: "a", RelatedName: "bees", IgnoreInFile: true}},
		},
	)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	reg := NewRegistry()
	s := &Spec{
		Name:   "a",
		Path:   "a.json",
		Fields: []FieldSpec{{Name: "id", Kind: KindString, PrimaryKey: true}},
	}
	if err := reg.Register(s); err != nil {
		t.Fatal(err)
	}
	dup := &Spec{Name: "a", Path: "a.json"}
	if err := reg.Register(dup); !errors.Is(err, ErrConfiguration) {
		t.Errorf("duplicate Register = %v, want ErrConfiguration", err)
	}
}

func TestRegistryResolvesFileModelThroughOwnerChain(t *testing.T) {
	reg := testRegistry(t)
	field, _ := reg.Spec("field")
	schema, _ := reg.Spec("schema")
	// field and schema share items.json; the file's top-level type is
	// schema for both.
	if field.fileModel != schema {
		t.Errorf("field file model = %s, want schema", field.fileModel.Name)
	}
	if schema.fileModel != schema {
		t.Errorf("schema file model = %s, want schema", schema.fileModel.Name)
	}
	sample, _ := reg.Spec("sample")
	if sample.fileModel != sample {
		t.Errorf("sample file model = %s, want sample", sample.fileModel.Name)
	}
}
