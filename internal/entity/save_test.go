package entity

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spiderdb/spiderdb/internal/snapshot"
)

// countingStorage wraps memStorage and counts document reads.
type countingStorage struct {
	*memStorage
	opens int
}

func (c *countingStorage) Open(p string) (io.ReadCloser, error) {
	c.opens++
	return c.memStorage.Open(p)
}

func TestSaveNeverRereadsWrittenDocument(t *testing.T) {
	reg := testRegistry(t)
	st := &countingStorage{memStorage: newMemStorage()}
	a := NewArena(reg, st)

	sp, _ := a.Instance("spider", "sp1")
	if err := sp.Set("start_urls", []string{"http://example.com/"}); err != nil {
		t.Fatal(err)
	}
	if err := sp.Save(); err != nil {
		t.Fatal(err)
	}

	// Reading an unset field after the write resolves against the session's
	// own state, never the document.
	if got := sp.GetString("links_to_follow"); got != "all" {
		t.Errorf("links_to_follow = %q, want default", got)
	}
	if st.opens != 0 {
		t.Errorf("document read %d times after save", st.opens)
	}
	if _, err := a.Load("spider", "sp1"); err != nil {
		t.Errorf("Load after save: %v", err)
	}
}

func TestDumpEnvelopeDocument(t *testing.T) {
	reg := testRegistry(t)
	a := NewArena(reg, nil)
	s, _ := a.Instance("schema", "s1")
	if err := s.Set("name", "default"); err != nil {
		t.Fatal(err)
	}

	data, err := s.DumpJSON(snapshot.Working)
	if err != nil {
		t.Fatal(err)
	}
	want := `{
    "s1": {
        "fields": {},
        "name": "default"
    }
}
`
	if string(data) != want {
		t.Errorf("dump = %s, want %s", data, want)
	}
}

func TestSaveOwnedEntityWritesOwnerChainDocument(t *testing.T) {
	reg := testRegistry(t)
	st := newMemStorage()
	a := NewArena(reg, st)

	p, _ := a.Instance("project", "p1")
	if err := p.Set("name", "example"); err != nil {
		t.Fatal(err)
	}
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}
	if !st.Exists("project.json") {
		t.Fatal("project.json not written")
	}

	s, _ := a.Instance("schema", "s1")
	if err := s.Set("name", "default"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRelated("project", p); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	data, ok := st.files["items.json"]
	if !ok {
		t.Fatal("items.json not written")
	}
	if !strings.Contains(string(data), `"s1"`) || !strings.Contains(string(data), `"default"`) {
		t.Errorf("items.json = %s", data)
	}

	// Staged values folded into committed, working cleared.
	if s.store.Has("name", snapshot.Staged) {
		t.Error("name still staged after save")
	}
	if s.store.Has("name", snapshot.Working) {
		t.Error("name still in working after save")
	}
	if got, _ := s.store.Get("name", snapshot.Committed); got != "default" {
		t.Errorf("committed name = %v", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	st := newMemStorage()

	a := NewArena(reg, st)
	p, _ := a.Instance("project", "p1")
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}
	s, _ := a.Instance("schema", "s1")
	if err := s.Set("name", "default"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRelated("project", p); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	// A fresh session sees what was saved.
	b := NewArena(reg, st)
	loaded, err := b.Load("schema", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.GetString("name"); got != "default" {
		t.Errorf("loaded name = %q, want default", got)
	}
}

func TestLoadMissingEntity(t *testing.T) {
	reg := testRegistry(t)
	a := NewArena(reg, newMemStorage())
	if _, err := a.Load("spider", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load = %v, want ErrNotFound", err)
	}
}

func TestSaveUpdatesNarrowedRelationshipDocument(t *testing.T) {
	reg := testRegistry(t)
	st := newMemStorage()
	a := NewArena(reg, st)

	sp, _ := a.Instance("spider", "sp1")
	if err := sp.Save(); err != nil {
		t.Fatal(err)
	}
	sa, _ := a.Instance("sample", "sa1")
	if err := sa.Set("name", "home"); err != nil {
		t.Fatal(err)
	}
	if err := sa.Set("url", "http://example.com"); err != nil {
		t.Fatal(err)
	}
	if err := sa.SetRelated("spider", sp); err != nil {
		t.Fatal(err)
	}
	if err := sa.Save(); err != nil {
		t.Fatal(err)
	}

	if !st.Exists("spiders/sp1/sa1.json") {
		t.Fatal("sample document not written")
	}
	sample := string(st.files["spiders/sp1/sa1.json"])
	if !strings.Contains(sample, `"spider": "sp1"`) {
		t.Errorf("sample document missing narrowed spider key: %s", sample)
	}
	// The spider document embeds its sample ids, so it is rewritten as part
	// of the same batch.
	spider := string(st.files["spiders/sp1.json"])
	if !strings.Contains(spider, `"template_names": [
        "sa1"
    ]`) {
		t.Errorf("spider document = %s", spider)
	}
}

func TestSavePrimaryKeyChangeMovesDocument(t *testing.T) {
	reg := testRegistry(t)
	st := newMemStorage()
	a := NewArena(reg, st)

	sp, _ := a.Instance("spider", "sp1")
	if err := sp.Save(); err != nil {
		t.Fatal(err)
	}
	sa, _ := a.Instance("sample", "sa1")
	if err := sa.Set("url", "http://example.com"); err != nil {
		t.Fatal(err)
	}
	if err := sa.SetRelated("spider", sp); err != nil {
		t.Fatal(err)
	}
	if err := sa.Save(); err != nil {
		t.Fatal(err)
	}

	if err := sa.Set("id", "sa2"); err != nil {
		t.Fatal(err)
	}
	if err := sa.Save(); err != nil {
		t.Fatal(err)
	}

	if st.Exists("spiders/sp1/sa1.json") {
		t.Error("old document still present after key change")
	}
	if !st.Exists("spiders/sp1/sa2.json") {
		t.Error("new document missing after key change")
	}
	spider := string(st.files["spiders/sp1.json"])
	if !strings.Contains(spider, `"sa2"`) || strings.Contains(spider, `"sa1"`) {
		t.Errorf("spider document after key change = %s", spider)
	}
}

func TestSaveOnlyRestrictsFields(t *testing.T) {
	reg := testRegistry(t)
	st := newMemStorage()
	a := NewArena(reg, st)

	p, _ := a.Instance("project", "p1")
	if err := p.Set("name", "first"); err != nil {
		t.Fatal(err)
	}
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}

	if err := p.Set("name", "second"); err != nil {
		t.Fatal(err)
	}
	if err := p.Save("id"); err != nil {
		t.Fatal(err)
	}
	// name was excluded from the batch: still an unsaved edit.
	if got, _ := p.store.Get("name", snapshot.Committed); got != "first" {
		t.Errorf("committed name = %v, want first", got)
	}
	if got, _ := p.store.Get("name", snapshot.Working); got != "second" {
		t.Errorf("working name = %v, want second", got)
	}

	p.Rollback()
	if got := p.GetString("name"); got != "first" {
		t.Errorf("name after rollback = %q, want first", got)
	}
}
