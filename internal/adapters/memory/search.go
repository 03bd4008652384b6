package memory

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// SpecCarrier is implemented by adapters that declare validation specs,
// making them visible to spec queries.
type SpecCarrier interface {
	Specs() []structure.Spec
}

// matchQuery evaluates one query against a child. Semantics mirror the
// catalog translation: a missing metadata key matches neither eq nor noteq,
// and comparisons only hold between values of the same class.
func matchQuery(q query.Query, key string, child adapter.Adapter) (bool, error) {
	switch q := q.(type) {
	case query.Eq:
		v, ok := lookupMetadata(child.Metadata(), q.Key)
		if q.Value == nil {
			// Null matches an absent key as well, like a SQL IS NULL test.
			return !ok || v == nil, nil
		}
		if !ok {
			return false, nil
		}
		return equalValues(v, q.Value), nil

	case query.NotEq:
		v, ok := lookupMetadata(child.Metadata(), q.Key)
		if !ok {
			return false, nil
		}
		return !equalValues(v, q.Value), nil

	case query.In:
		v, ok := lookupMetadata(child.Metadata(), q.Key)
		if !ok {
			return false, nil
		}
		for _, candidate := range q.Values {
			if equalValues(v, candidate) {
				return true, nil
			}
		}
		return false, nil

	case query.Comparison:
		v, ok := lookupMetadata(child.Metadata(), q.Key)
		if !ok {
			return false, nil
		}
		cmp, comparable := compareValues(v, q.Value)
		if !comparable {
			return false, nil
		}
		switch q.Operator {
		case query.OpGT:
			return cmp > 0, nil
		case query.OpGE:
			return cmp >= 0, nil
		case query.OpLT:
			return cmp < 0, nil
		case query.OpLE:
			return cmp <= 0, nil
		}
		return false, fmt.Errorf("unknown comparison operator %q", q.Operator)

	case query.Regex:
		v, ok := lookupMetadata(child.Metadata(), q.Key)
		if !ok {
			return false, nil
		}
		s, isString := v.(string)
		if !isString {
			return false, nil
		}
		pattern := q.Pattern
		if !q.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex pattern: %w", err)
		}
		return re.MatchString(s), nil

	case query.FullText:
		return containsText(child.Metadata(), strings.ToLower(q.Text)), nil

	case query.StructureFamily:
		return child.StructureFamily() == q.Value, nil

	case query.KeysFilter:
		for _, k := range q.Keys {
			if k == key {
				return true, nil
			}
		}
		return false, nil

	case query.SpecsQuery:
		var specs []structure.Spec
		if carrier, ok := child.(SpecCarrier); ok {
			specs = carrier.Specs()
		}
		declared := make(map[string]bool, len(specs))
		for _, spec := range specs {
			declared[spec.Name] = true
		}
		for _, name := range q.Include {
			if !declared[name] {
				return false, nil
			}
		}
		for _, name := range q.Exclude {
			if declared[name] {
				return false, nil
			}
		}
		return true, nil

	case query.NoAccess:
		return false, nil

	case query.AccessBlobFilter:
		return false, fmt.Errorf("access filtering requires a catalog-backed container")

	default:
		return false, fmt.Errorf("query %q is not supported by in-memory containers", q.QueryName())
	}
}

// lookupMetadata descends nested metadata by a dotted key.
func lookupMetadata(metadata map[string]any, dotted string) (any, bool) {
	var current any = metadata
	for _, part := range strings.Split(dotted, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equalValues compares two metadata values, normalizing numeric types.
func equalValues(a, b any) bool {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two metadata values of the same class: numbers
// numerically, strings lexicographically. Anything else is incomparable.
func compareValues(a, b any) (int, bool) {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		if !bok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// containsText walks nested metadata for a case-insensitive substring
// match in any string value. The needle must already be lowercased.
func containsText(v any, needle string) bool {
	switch x := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(x), needle)
	case map[string]any:
		for _, vv := range x {
			if containsText(vv, needle) {
				return true
			}
		}
	case []any:
		for _, vv := range x {
			if containsText(vv, needle) {
				return true
			}
		}
	}
	return false
}
