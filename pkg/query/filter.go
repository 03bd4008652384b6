package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/trellisdata/trellis/pkg/structure"
)

// ErrInvalidFilter marks malformed filter URL parameters. The HTTP layer
// maps it to 400.
var ErrInvalidFilter = errors.New("invalid filter parameter")

// filterKeyPattern matches filter[{name}][condition][{field}].
var filterKeyPattern = regexp.MustCompile(`^filter\[([a-z_]+)\]\[condition\]\[([a-z_]+)\]$`)

// fieldValues holds the positional value lists for one query name.
type fieldValues map[string][]string

// ParseFilters extracts the typed queries encoded in URL parameters of the
// form filter[{name}][condition][{field}]=value. Repeated filters of the
// same name are grouped positionally: the i-th value of every field belongs
// to the i-th query instance. Values are JSON-decoded where noted.
func ParseFilters(values url.Values) ([]Query, error) {
	byName := make(map[string]fieldValues)

	for key, vals := range values {
		m := filterKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		name, field := m[1], m[2]
		fields, ok := byName[name]
		if !ok {
			fields = make(fieldValues)
			byName[name] = fields
		}
		fields[field] = append(fields[field], vals...)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var queries []Query
	for _, name := range names {
		parsed, err := buildQueries(name, byName[name])
		if err != nil {
			return nil, err
		}
		queries = append(queries, parsed...)
	}

	return queries, nil
}

func buildQueries(name string, fields fieldValues) ([]Query, error) {
	builder, ok := filterBuilders[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown query type %q", ErrInvalidFilter, name)
	}
	return builder(fields)
}

// groupCount returns the number of query instances implied by the field
// value lists: every listed field must appear the same number of times.
func groupCount(name string, fields fieldValues, required []string, optional []string) (int, error) {
	count := 0
	for _, f := range required {
		n := len(fields[f])
		if n == 0 {
			return 0, fmt.Errorf("%w: filter[%s] requires field %q", ErrInvalidFilter, name, f)
		}
		if count == 0 {
			count = n
		} else if n != count {
			return 0, fmt.Errorf("%w: filter[%s] has %d values for %q but %d for other fields", ErrInvalidFilter, name, n, f, count)
		}
	}
	for _, f := range optional {
		n := len(fields[f])
		if n != 0 && n != count {
			return 0, fmt.Errorf("%w: filter[%s] has %d values for optional field %q but %d groups", ErrInvalidFilter, name, n, f, count)
		}
	}
	for f := range fields {
		known := false
		for _, r := range required {
			if f == r {
				known = true
			}
		}
		for _, o := range optional {
			if f == o {
				known = true
			}
		}
		if !known {
			return 0, fmt.Errorf("%w: filter[%s] has unknown field %q", ErrInvalidFilter, name, f)
		}
	}
	return count, nil
}

// decodeJSONValue parses one JSON-encoded operand.
func decodeJSONValue(name, field, raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: filter[%s] field %q is not valid JSON: %q", ErrInvalidFilter, name, field, raw)
	}
	return v, nil
}

func decodeStringList(name, field, raw string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("%w: filter[%s] field %q must be a JSON list of strings: %q", ErrInvalidFilter, name, field, raw)
	}
	return list, nil
}

var filterBuilders = map[string]func(fieldValues) ([]Query, error){
	"eq": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("eq", fields, []string{"key", "value"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			value, err := decodeJSONValue("eq", "value", fields["value"][i])
			if err != nil {
				return nil, err
			}
			out = append(out, Eq{Key: fields["key"][i], Value: value})
		}
		return out, nil
	},

	"noteq": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("noteq", fields, []string{"key", "value"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			value, err := decodeJSONValue("noteq", "value", fields["value"][i])
			if err != nil {
				return nil, err
			}
			out = append(out, NotEq{Key: fields["key"][i], Value: value})
		}
		return out, nil
	},

	"in": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("in", fields, []string{"key", "value"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			value, err := decodeJSONValue("in", "value", fields["value"][i])
			if err != nil {
				return nil, err
			}
			list, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: filter[in] field \"value\" must be a JSON list", ErrInvalidFilter)
			}
			out = append(out, In{Key: fields["key"][i], Values: list})
		}
		return out, nil
	},

	"regex": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("regex", fields, []string{"key", "pattern"}, []string{"case_sensitive"})
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			pattern := fields["pattern"][i]
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, fmt.Errorf("%w: filter[regex] pattern does not compile: %v", ErrInvalidFilter, err)
			}
			q := Regex{Key: fields["key"][i], Pattern: pattern, CaseSensitive: true}
			if vals := fields["case_sensitive"]; len(vals) > 0 {
				var cs bool
				if err := json.Unmarshal([]byte(vals[i]), &cs); err != nil {
					return nil, fmt.Errorf("%w: filter[regex] field \"case_sensitive\" must be true or false", ErrInvalidFilter)
				}
				q.CaseSensitive = cs
			}
			out = append(out, q)
		}
		return out, nil
	},

	"fulltext": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("fulltext", fields, []string{"text"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, FullText{Text: fields["text"][i]})
		}
		return out, nil
	},

	"comparison": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("comparison", fields, []string{"operator", "key", "value"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			op, err := ParseOperator(fields["operator"][i])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
			value, err := decodeJSONValue("comparison", "value", fields["value"][i])
			if err != nil {
				return nil, err
			}
			out = append(out, Comparison{Operator: op, Key: fields["key"][i], Value: value})
		}
		return out, nil
	},

	"structure_family": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("structure_family", fields, []string{"value"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			family, err := structure.ParseFamily(fields["value"][i])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
			out = append(out, StructureFamily{Value: family})
		}
		return out, nil
	},

	"keys_filter": func(fields fieldValues) ([]Query, error) {
		n, err := groupCount("keys_filter", fields, []string{"keys"}, nil)
		if err != nil {
			return nil, err
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			keys, err := decodeStringList("keys_filter", "keys", fields["keys"][i])
			if err != nil {
				return nil, err
			}
			out = append(out, KeysFilter{Keys: keys})
		}
		return out, nil
	},

	"specs": func(fields fieldValues) ([]Query, error) {
		// include and exclude are individually optional but at least one
		// must be present.
		nInclude := len(fields["include"])
		nExclude := len(fields["exclude"])
		if nInclude == 0 && nExclude == 0 {
			return nil, fmt.Errorf("%w: filter[specs] requires field \"include\" or \"exclude\"", ErrInvalidFilter)
		}
		n := nInclude
		if nExclude > n {
			n = nExclude
		}
		if (nInclude != 0 && nInclude != n) || (nExclude != 0 && nExclude != n) {
			return nil, fmt.Errorf("%w: filter[specs] include/exclude counts differ", ErrInvalidFilter)
		}
		for f := range fields {
			if f != "include" && f != "exclude" {
				return nil, fmt.Errorf("%w: filter[specs] has unknown field %q", ErrInvalidFilter, f)
			}
		}
		out := make([]Query, 0, n)
		for i := 0; i < n; i++ {
			var q SpecsQuery
			if nInclude > 0 {
				include, err := decodeStringList("specs", "include", fields["include"][i])
				if err != nil {
					return nil, err
				}
				q.Include = include
			}
			if nExclude > 0 {
				exclude, err := decodeStringList("specs", "exclude", fields["exclude"][i])
				if err != nil {
					return nil, err
				}
				q.Exclude = exclude
			}
			out = append(out, q)
		}
		return out, nil
	},
}
