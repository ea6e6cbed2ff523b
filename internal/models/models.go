// Package models declares the portia project entity types: projects,
// schemas with their fields, extractors, spiders and samples, matching the
// document layout crawlers consume.
package models

import (
	"fmt"
	"strings"

	"github.com/spiderdb/spiderdb/internal/entity"
)

// Entity type names.
const (
	TypeProject   = "project"
	TypeSchema    = "schema"
	TypeField     = "field"
	TypeExtractor = "extractor"
	TypeSpider    = "spider"
	TypeSample    = "sample"
)

// FieldTypes are the annotation field processors a field may declare.
var FieldTypes = []string{
	"date", "geopoint", "image", "number", "price",
	"raw html", "safe html", "text", "url",
}

// LinkFollowModes are the accepted values for a spider's links_to_follow.
var LinkFollowModes = []string{"none", "patterns", "auto", "all"}

// NewRegistry builds the registry of portia entity types.
func NewRegistry() (*entity.Registry, error) {
	reg := entity.NewRegistry()
	for _, s := range []*entity.Spec{
		projectSpec(), schemaSpec(), fieldSpec(),
		extractorSpec(), spiderSpec(), sampleSpec(),
	} {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	if err := reg.Build(); err != nil {
		return nil, err
	}
	return reg, nil
}

func projectSpec() *entity.Spec {
	return &entity.Spec{
		Name: TypeProject,
		Path: "project.json",
		Fields: []entity.FieldSpec{
			{Name: "name", Kind: entity.KindString, PrimaryKey: true},
		},
		Rels: []entity.RelSpec{
			{Name: "spiders", Kind: entity.HasMany, Target: TypeSpider,
				RelatedName: "project", IgnoreInFile: true},
			{Name: "schemas", Kind: entity.HasMany, Target: TypeSchema,
				RelatedName: "project", IgnoreInFile: true},
			{Name: "extractors", Kind: entity.HasMany, Target: TypeExtractor,
				RelatedName: "project", IgnoreInFile: true},
		},
	}
}

func schemaSpec() *entity.Spec {
	return &entity.Spec{
		Name:              TypeSchema,
		Path:              "items.json",
		Owner:             "project",
		Envelope:          true,
		EnvelopeRemoveKey: true,
		Fields: []entity.FieldSpec{
			{Name: "id", Kind: entity.KindString, PrimaryKey: true},
			{Name: "name", Kind: entity.KindString, Required: true},
		},
		Rels: []entity.RelSpec{
			{Name: "project", Kind: entity.BelongsTo, Target: TypeProject,
				RelatedName: "schemas", IgnoreInFile: true},
			{Name: "fields", Kind: entity.HasMany, Target: TypeField,
				RelatedName: "schema"},
		},
		PreLoad: []entity.Transform{{
			Name: "name_from_id",
			Fn: func(d *entity.Doc) error {
				if _, ok := d.Get("name"); !ok {
					if id, ok := d.Get("id"); ok {
						d.Set("name", id)
					}
				}
				return nil
			},
		}},
	}
}

func fieldSpec() *entity.Spec {
	return &entity.Spec{
		Name:     TypeField,
		Path:     "items.json",
		Owner:    "schema",
		Envelope: true,
		Fields: []entity.FieldSpec{
			{Name: "id", Kind: entity.KindString, PrimaryKey: true},
			{Name: "name", Kind: entity.KindString, Required: true},
			{Name: "type", Kind: entity.KindString, Required: true,
				Default: "text", Enum: FieldTypes},
			{Name: "required", Kind: entity.KindBool, Default: false},
			{Name: "vary", Kind: entity.KindBool, Default: false},
		},
		Rels: []entity.RelSpec{
			{Name: "schema", Kind: entity.BelongsTo, Target: TypeSchema,
				RelatedName: "fields", IgnoreInFile: true},
		},
	}
}

func extractorSpec() *entity.Spec {
	return &entity.Spec{
		Name:     TypeExtractor,
		Path:     "extractors.json",
		Owner:    "project",
		Envelope: true,
		Fields: []entity.FieldSpec{
			{Name: "id", Kind: entity.KindString, PrimaryKey: true},
			{Name: "type", Kind: entity.KindString, Required: true,
				Enum: []string{"type", "regex"}},
			{Name: "value", Kind: entity.KindDependent, Required: true,
				DependsOn: "type",
				Cases: map[string]entity.FieldSpec{
					"type":  {Kind: entity.KindString, Enum: FieldTypes},
					"regex": {Kind: entity.KindRegexp},
				}},
		},
		Rels: []entity.RelSpec{
			{Name: "project", Kind: entity.BelongsTo, Target: TypeProject,
				RelatedName: "extractors", IgnoreInFile: true},
		},
		// On disk an extractor carries either a type_extractor or a
		// regular_expression key; internally both map to type/value.
		PreLoad: []entity.Transform{{
			Name: "to_type_and_value",
			Fn: func(d *entity.Doc) error {
				typeExtractor, hasType := d.Get("type_extractor")
				regularExpression, hasRegex := d.Get("regular_expression")
				d.Delete("type_extractor")
				d.Delete("regular_expression")
				switch {
				case hasType:
					d.Set("type", "type")
					d.Set("value", typeExtractor)
				case hasRegex:
					d.Set("type", "regex")
					d.Set("value", regularExpression)
				}
				return nil
			},
		}},
		PostDump: []entity.Transform{{
			Name: "from_type_and_value",
			Fn: func(d *entity.Doc) error {
				typ, ok := d.Get("type")
				if !ok {
					return fmt.Errorf("%w: extractor has no type", entity.ErrValidation)
				}
				value, ok := d.Get("value")
				if !ok {
					return fmt.Errorf("%w: extractor has no value", entity.ErrValidation)
				}
				d.Delete("type")
				d.Delete("value")
				if typ == "type" {
					d.Set("type_extractor", value)
				} else {
					d.Set("regular_expression", value)
				}
				return nil
			},
		}},
	}
}

func spiderSpec() *entity.Spec {
	return &entity.Spec{
		Name: TypeSpider,
		Path: "spiders/{self.id}.json",
		Fields: []entity.FieldSpec{
			{Name: "id", Kind: entity.KindString, PrimaryKey: true},
			{Name: "start_urls", Kind: entity.KindURLList, Default: []string{}},
			{Name: "links_to_follow", Kind: entity.KindString,
				Default: "all", Enum: LinkFollowModes},
			{Name: "allowed_domains", Kind: entity.KindDomainList, Default: []string{}},
			{Name: "respect_nofollow", Kind: entity.KindBool, Default: true},
			{Name: "follow_patterns", Kind: entity.KindRegexpList, Default: []string{}},
			{Name: "exclude_patterns", Kind: entity.KindRegexpList, Default: []string{}},
			{Name: "js_enabled", Kind: entity.KindBool, Default: false},
			{Name: "js_enable_patterns", Kind: entity.KindRegexpList, Default: []string{}},
			{Name: "js_disable_patterns", Kind: entity.KindRegexpList, Default: []string{}},
			{Name: "perform_login", Kind: entity.KindBool, Default: false},
			{Name: "login_url", Kind: entity.KindString, Default: ""},
			{Name: "login_user", Kind: entity.KindString, Default: ""},
			{Name: "login_password", Kind: entity.KindString, Default: ""},
		},
		Rels: []entity.RelSpec{
			{Name: "project", Kind: entity.BelongsTo, Target: TypeProject,
				RelatedName: "spiders", IgnoreInFile: true},
			{Name: "samples", Kind: entity.HasMany, Target: TypeSample,
				RelatedName: "spider", Only: []string{"id"},
				LoadFrom: "template_names", DumpTo: "template_names"},
		},
		PreLoad:        []entity.Transform{{Name: "get_init_requests", Fn: getInitRequests}},
		PostDump:       []entity.Transform{{Name: "set_init_requests", Fn: setInitRequests}},
		LoadCollection: loadSpiders,
	}
}

func sampleSpec() *entity.Spec {
	return &entity.Spec{
		Name: TypeSample,
		Path: "spiders/{self.spider.id}/{self.id}.json",
		Fields: []entity.FieldSpec{
			{Name: "id", Kind: entity.KindString, PrimaryKey: true},
			{Name: "name", Kind: entity.KindString, Required: true},
			{Name: "url", Kind: entity.KindURL, Required: true},
		},
		Rels: []entity.RelSpec{
			{Name: "spider", Kind: entity.BelongsTo, Target: TypeSpider,
				RelatedName: "samples", Only: []string{"id"}},
		},
		// Samples live in separate files but are enumerated by their
		// spider's template_names, so scoped loading has nothing to scan.
		LoadCollection: func(a *entity.Arena, owner *entity.Instance) ([]*entity.Instance, error) {
			return nil, nil
		},
	}
}

// loadSpiders enumerates a project's spiders from the spiders/ directory
// listing; there is no index document to read them from.
func loadSpiders(a *entity.Arena, owner *entity.Instance) ([]*entity.Instance, error) {
	_, files, err := a.Storage().ListDir("spiders")
	if err != nil {
		return nil, err
	}
	var spiders []*entity.Instance
	for _, name := range files {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		sp, err := a.Materialized(TypeSpider, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		spiders = append(spiders, sp)
	}
	return spiders, nil
}

// getInitRequests folds the legacy init_requests login entry into the flat
// login_* fields and derives perform_login.
func getInitRequests(d *entity.Doc) error {
	if v, ok := d.Get("init_requests"); ok {
		d.Delete("init_requests")
		if requests, ok := v.([]any); ok && len(requests) > 0 {
			if login, ok := requests[0].(*entity.Doc); ok {
				d.Set("login_url", docString(login, "loginurl"))
				d.Set("login_user", docString(login, "username"))
				d.Set("login_password", docString(login, "password"))
			}
		}
	}
	d.Set("perform_login", isPerformLogin(d))
	return nil
}

// setInitRequests is the inverse: a spider with complete credentials dumps
// an init_requests login entry, and the flat fields never reach disk.
func setInitRequests(d *entity.Doc) error {
	perform, _ := d.Get("perform_login")
	if b, ok := perform.(bool); ok && b && isPerformLogin(d) {
		login := entity.NewDoc()
		login.Set("type", "login")
		login.Set("loginurl", docString(d, "login_url"))
		login.Set("username", docString(d, "login_user"))
		login.Set("password", docString(d, "login_password"))
		d.Set("init_requests", []any{login})
	}
	d.Delete("perform_login")
	d.Delete("login_url")
	d.Delete("login_user")
	d.Delete("login_password")
	return nil
}

func isPerformLogin(d *entity.Doc) bool {
	for _, key := range []string{"login_url", "login_user", "login_password"} {
		if docString(d, key) == "" {
			return false
		}
	}
	return true
}

func docString(d *entity.Doc, key string) string {
	v, _ := d.Get(key)
	s, _ := v.(string)
	return s
}

// Project returns the handle for a project, creating its identity on first
// use.
func Project(a *entity.Arena, name string) (*entity.Instance, error) {
	return a.Instance(TypeProject, name)
}

// OpenProject loads an existing project's document.
func OpenProject(a *entity.Arena, name string) (*entity.Instance, error) {
	return a.Load(TypeProject, name)
}

// Spiders returns a project's spider collection.
func Spiders(project *entity.Instance) ([]*entity.Instance, error) {
	col, err := project.Collection("spiders")
	if err != nil {
		return nil, err
	}
	return col.Items(), nil
}

// Schemas returns a project's schema collection.
func Schemas(project *entity.Instance) ([]*entity.Instance, error) {
	col, err := project.Collection("schemas")
	if err != nil {
		return nil, err
	}
	return col.Items(), nil
}
