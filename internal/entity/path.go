package entity

import (
	"fmt"
	"strings"
)

// valueSource resolves names for path template substitution. Instances and
// plain keyword maps both serve as sources.
type valueSource interface {
	value(name string) (any, bool)
}

type mapSource map[string]any

func (m mapSource) value(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// renderPath substitutes {self.field} and {self.rel.field} segments of the
// type's path template from src. A segment that cannot resolve to a
// non-empty string yields ErrPathResolution.
func renderPath(spec *Spec, src valueSource) (string, error) {
	tmpl := spec.Path
	var out strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			out.WriteString(tmpl)
			return out.String(), nil
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: %s: unterminated segment in %q", ErrPathResolution, spec.Name, spec.Path)
		}
		out.WriteString(tmpl[:open])
		expr := tmpl[open+1 : open+end]
		tmpl = tmpl[open+end+1:]

		s, err := resolveSegment(spec, src, expr)
		if err != nil {
			return "", err
		}
		out.WriteString(s)
	}
}

func resolveSegment(spec *Spec, src valueSource, expr string) (string, error) {
	parts := strings.Split(expr, ".")
	if len(parts) < 2 || parts[0] != "self" {
		return "", fmt.Errorf("%w: %s: bad segment {%s}", ErrPathResolution, spec.Name, expr)
	}
	parts = parts[1:]
	cur := src
	for i, name := range parts {
		v, ok := cur.value(name)
		if !ok {
			return "", fmt.Errorf("%w: %s: %s is unset", ErrPathResolution, spec.Name, strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			s, ok := v.(string)
			if !ok || s == "" {
				return "", fmt.Errorf("%w: %s: %s is not a usable path segment", ErrPathResolution, spec.Name, strings.Join(parts, "."))
			}
			return s, nil
		}
		inst, ok := v.(*Instance)
		if !ok {
			return "", fmt.Errorf("%w: %s: %s is not a related instance", ErrPathResolution, spec.Name, name)
		}
		cur = inst
	}
	return "", fmt.Errorf("%w: %s: empty segment", ErrPathResolution, spec.Name)
}
