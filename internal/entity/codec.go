package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Doc is a JSON object whose key order is preserved. Envelope documents rely
// on insertion order; everything else is key-sorted before encoding.
type Doc = orderedmap.OrderedMap[string, any]

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return orderedmap.New[string, any]()
}

// DecodeDoc parses a JSON object, keeping key order.
func DecodeDoc(data []byte) (*Doc, error) {
	d := NewDoc()
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// EncodeDoc renders a document as 4-space indented JSON with a trailing
// newline, the canonical on-disk form.
func EncodeDoc(d *Doc) ([]byte, error) {
	return encodeJSON(d)
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// decodeList parses a top-level JSON array whose elements are objects,
// keeping the key order of each element.
func decodeList(data []byte) ([]any, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(raw))
	for _, elem := range raw {
		d, err := DecodeDoc(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// sortKeys returns a copy of d with keys in lexicographic order. Nested
// values are left as-is; nested bodies are sorted where they are built.
func sortKeys(d *Doc) *Doc {
	keys := make([]string, 0, d.Len())
	for pair := d.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	sort.Strings(keys)
	out := NewDoc()
	for _, k := range keys {
		v, _ := d.Get(k)
		out.Set(k, v)
	}
	return out
}

// asDoc coerces a decoded JSON value to a document. json.Unmarshal into an
// OrderedMap[string, any] produces nested *OrderedMap values for objects.
func asDoc(v any) (*Doc, bool) {
	d, ok := v.(*Doc)
	if ok {
		return d, true
	}
	if m, ok := v.(Doc); ok {
		return &m, true
	}
	return nil, false
}

// unwrapEnvelope splits a decoded file into per-entity bodies.
//
// For envelope types the top-level object maps primary key to body; the key
// is folded into each body under the primary key field. A body that already
// carries a conflicting primary key is rejected unless the type drops the
// field from bodies on output. For plain types the value is a single body,
// or a list of bodies when many is set.
func unwrapEnvelope(spec *Spec, v any, many bool) ([]*Doc, error) {
	if !spec.Envelope {
		if many {
			items, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s: expected a JSON array", ErrValidation, spec.Name)
			}
			bodies := make([]*Doc, 0, len(items))
			for _, item := range items {
				body, ok := asDoc(item)
				if !ok {
					return nil, fmt.Errorf("%w: %s: expected a JSON object element", ErrValidation, spec.Name)
				}
				bodies = append(bodies, body)
			}
			return bodies, nil
		}
		body, ok := asDoc(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a JSON object", ErrValidation, spec.Name)
		}
		return []*Doc{body}, nil
	}

	outer, ok := asDoc(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected an envelope object", ErrValidation, spec.Name)
	}
	var bodies []*Doc
	for pair := outer.Oldest(); pair != nil; pair = pair.Next() {
		body, ok := asDoc(pair.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s: envelope value for %q is not an object", ErrValidation, spec.Name, pair.Key)
		}
		if existing, ok := body.Get(spec.PrimaryKey); ok && !spec.EnvelopeRemoveKey {
			if s, _ := existing.(string); s != pair.Key {
				return nil, fmt.Errorf("%w: %s: envelope key %q disagrees with body %s %q",
					ErrValidation, spec.Name, pair.Key, spec.PrimaryKey, existing)
			}
		}
		body.Set(spec.PrimaryKey, pair.Key)
		bodies = append(bodies, body)
	}
	return bodies, nil
}

// wrapEnvelope builds the envelope object for bodies, keyed by primary key
// in the order given. The key field is dropped from each body when the type
// declares it redundant.
func wrapEnvelope(spec *Spec, bodies []*Doc) (*Doc, error) {
	out := NewDoc()
	for _, body := range bodies {
		v, ok := body.Get(spec.PrimaryKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s: body missing %s", ErrValidation, spec.Name, spec.PrimaryKey)
		}
		key, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %s is not a string", ErrValidation, spec.Name, spec.PrimaryKey)
		}
		if spec.EnvelopeRemoveKey {
			body.Delete(spec.PrimaryKey)
		}
		out.Set(key, body)
	}
	return out, nil
}
