package entity

import (
	"errors"
	"strings"
	"testing"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

func TestEnvelopeKeyMismatchRejected(t *testing.T) {
	reg := NewRegistry()
	spec := &Spec{
		Name:     "item",
		Path:     "items.json",
		Envelope: true,
		Fields: []FieldSpec{
			{Name: "id", Kind: KindString, PrimaryKey: true},
			{Name: "name", Kind: KindString},
		},
	}
	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}
	if err := reg.Build(); err != nil {
		t.Fatal(err)
	}

	st := newMemStorage()
	st.files["items.json"] = []byte(`{"outer": {"id": "inner", "name": "x"}}`)
	a := NewArena(reg, st)
	_, err := a.loadPath(spec, "items.json", true)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("load = %v, want ErrValidation", err)
	}

	// An agreeing key is fine.
	st2 := newMemStorage()
	st2.files["items.json"] = []byte(`{"outer": {"id": "outer", "name": "x"}}`)
	b := NewArena(reg, st2)
	items, err := b.loadPath(spec, "items.json", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].PK() != "outer" {
		t.Fatalf("items = %v", items)
	}
}

func TestEnvelopeOrderPreserved(t *testing.T) {
	reg := testRegistry(t)
	st := newMemStorage()
	st.files["project.json"] = []byte(`{"id": "p1", "name": "example"}`)
	st.files["items.json"] = []byte(`{
    "z9": {"name": "last alphabetically, first in file"},
    "a1": {"name": "first alphabetically, last in file"}
}`)
	a := NewArena(reg, st)

	p, err := a.Load("project", "p1")
	if err != nil {
		t.Fatal(err)
	}
	col, err := p.Collection("schemas")
	if err != nil {
		t.Fatal(err)
	}
	if col.Len() != 2 {
		t.Fatalf("Len = %d, want 2", col.Len())
	}

	data, err := col.DumpJSON(snapshot.Committed)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Index(out, `"z9"`) > strings.Index(out, `"a1"`) {
		t.Errorf("envelope order not preserved:\n%s", out)
	}
	// Keys inside each body are sorted.
	body := out[strings.Index(out, `"z9"`):]
	if strings.Index(body, `"fields"`) > strings.Index(body, `"name"`) {
		t.Errorf("body keys not sorted:\n%s", out)
	}
}

func TestTransformHooks(t *testing.T) {
	reg := NewRegistry()
	spec := &Spec{
		Name: "page",
		Path: "pages/{self.id}.json",
		Fields: []FieldSpec{
			{Name: "id", Kind: KindString, PrimaryKey: true},
			{Name: "title", Kind: KindString},
		},
		PreLoad: []Transform{{
			Name: "heading_to_title",
			Fn: func(d *Doc) error {
				if v, ok := d.Get("heading"); ok {
					d.Delete("heading")
					d.Set("title", v)
				}
				return nil
			},
		}},
		PostDump: []Transform{{
			Name: "title_to_heading",
			Fn: func(d *Doc) error {
				if v, ok := d.Get("title"); ok {
					d.Delete("title")
					d.Set("heading", v)
				}
				return nil
			},
		}},
	}
	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}
	if err := reg.Build(); err != nil {
		t.Fatal(err)
	}

	st := newMemStorage()
	st.files["pages/p1.json"] = []byte(`{"id": "p1", "heading": "hello"}`)
	a := NewArena(reg, st)
	page, err := a.Load("page", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got := page.GetString("title"); got != "hello" {
		t.Errorf("title after pre-load transform = %q", got)
	}

	data, err := page.DumpJSON(snapshot.Committed)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"heading": "hello"`) {
		t.Errorf("dump after post-dump transform = %s", data)
	}
	if strings.Contains(string(data), `"title"`) {
		t.Errorf("dump still carries internal field name: %s", data)
	}
}

func TestDecodeDocPreservesOrder(t *testing.T) {
	d, err := DecodeDoc([]byte(`{"b": 1, "a": 2, "c": {"y": 1, "x": 2}}`))
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for pair := d.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	if len(keys) != 3 || keys[0] != "b" || keys[1] != "a" || keys[2] != "c" {
		t.Errorf("keys = %v", keys)
	}
	nested, _ := d.Get("c")
	if _, ok := asDoc(nested); !ok {
		t.Errorf("nested object decoded as %T", nested)
	}
}
