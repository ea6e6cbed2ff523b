package entity

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// Kind is the value shape of a scalar field.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindURL
	KindDomain
	KindRegexp
	KindStringList
	KindURLList
	KindDomainList
	KindRegexpList
	// KindDependent holds a string whose validation rule is chosen by the
	// current value of another field.
	KindDependent
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindURL:
		return "url"
	case KindDomain:
		return "domain"
	case KindRegexp:
		return "regexp"
	case KindStringList:
		return "string list"
	case KindURLList:
		return "url list"
	case KindDomainList:
		return "domain list"
	case KindRegexpList:
		return "regexp list"
	case KindDependent:
		return "dependent"
	}
	return "unknown"
}

// FieldSpec declares one scalar field of an entity type.
type FieldSpec struct {
	Name       string
	Kind       Kind
	PrimaryKey bool
	Required   bool
	// Default is emitted on dump when the field is unset. nil means no
	// default.
	Default any
	// Enum restricts string values when non-empty.
	Enum []string
	// DependsOn names the sibling field that selects the validation rule
	// for a dependent field; Cases maps that field's value to the rule.
	DependsOn string
	Cases     map[string]FieldSpec
}

// Validate checks value against the field's kind and constraints. peer is
// the resolved value of DependsOn for dependent fields, or nil.
func (f *FieldSpec) Validate(value, peer any) error {
	kind := f.Kind
	if kind == KindDependent {
		sel, _ := peer.(string)
		c, ok := f.Cases[sel]
		if !ok {
			// No rule registered for the selector: accept any string.
			c = FieldSpec{Kind: KindString}
		}
		c.Name = f.Name
		return c.Validate(value, nil)
	}
	switch kind {
	case KindString, KindURL, KindDomain, KindRegexp:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s: expected a string, got %T", ErrValidation, f.Name, value)
		}
		return f.validateString(kind, s)
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s: expected a bool, got %T", ErrValidation, f.Name, value)
		}
	case KindStringList, KindURLList, KindDomainList, KindRegexpList:
		items, ok := value.([]string)
		if !ok {
			return fmt.Errorf("%w: %s: expected a string list, got %T", ErrValidation, f.Name, value)
		}
		elem := KindString
		switch kind {
		case KindURLList:
			elem = KindURL
		case KindDomainList:
			elem = KindDomain
		case KindRegexpList:
			elem = KindRegexp
		}
		for _, s := range items {
			if err := f.validateString(elem, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *FieldSpec) validateString(kind Kind, s string) error {
	switch kind {
	case KindURL:
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s: %q is not an absolute URL", ErrValidation, f.Name, s)
		}
	case KindDomain:
		if s == "" || strings.ContainsAny(s, "/ ") || strings.Contains(s, "://") {
			return fmt.Errorf("%w: %s: %q is not a domain", ErrValidation, f.Name, s)
		}
	case KindRegexp:
		if _, err := regexp.Compile(s); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, f.Name, err)
		}
	}
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
		return fmt.Errorf("%w: %s: %q is not one of %v", ErrValidation, f.Name, s, f.Enum)
	}
	return nil
}

// fromJSON coerces a decoded JSON value to the field's Go representation.
func (f *FieldSpec) fromJSON(v any) (any, error) {
	switch f.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a bool, got %T", ErrValidation, f.Name, v)
		}
		return b, nil
	case KindStringList, KindURLList, KindDomainList, KindRegexpList:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a list, got %T", ErrValidation, f.Name, v)
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: expected a string element, got %T", ErrValidation, f.Name, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a string, got %T", ErrValidation, f.Name, v)
		}
		return s, nil
	}
}
