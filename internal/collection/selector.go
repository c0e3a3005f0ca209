package collection

import (
	"reflect"

	"github.com/proformatique/provd/internal/document"
)

// Selector is a small query language over document fields: equality,
// $in and $ne, composed as an implicit AND across top-level keys —
// enough to express {config: {$in: [...]}} and {ip: X, id: {$ne: Y}}.
type Selector map[string]any

// In builds the {$in: values} matcher for a field.
func In(values ...any) map[string]any {
	return map[string]any{"$in": values}
}

// Ne builds the {$ne: value} matcher for a field.
func Ne(value any) map[string]any {
	return map[string]any{"$ne": value}
}

// Match reports whether doc satisfies every clause in the selector.
func (s Selector) Match(doc document.Document) bool {
	for field, want := range s {
		if !matchField(doc[field], want) {
			return false
		}
	}
	return true
}

func matchField(have, want any) bool {
	if m, ok := want.(map[string]any); ok {
		if in, ok := m["$in"]; ok {
			return containsAny(in, have)
		}
		if ne, ok := m["$ne"]; ok {
			return !equalValue(have, ne)
		}
		// Unrecognized operator map: fall through to equality on the
		// whole map (lets callers pass a literal nested document).
	}
	return equalValue(have, want)
}

func containsAny(set any, needle any) bool {
	switch t := set.(type) {
	case []any:
		for _, v := range t {
			if equalValue(v, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, v := range t {
			if v == s {
				return true
			}
		}
	}
	return false
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
