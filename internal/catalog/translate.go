package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/trellisdata/trellis/pkg/database"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// ArgList accumulates SQL arguments, minting $N placeholders in order. One
// list spans a whole statement so predicates can be appended to a base
// query without renumbering.
type ArgList struct {
	values []any
}

// Add appends a value and returns its placeholder.
func (a *ArgList) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// Values returns the accumulated arguments.
func (a *ArgList) Values() []any {
	return a.values
}

// TranslateFunc renders one query as a parameterized SQL predicate over the
// nodes table.
type TranslateFunc func(q query.Query, d database.Dialect, args *ArgList) (string, error)

var translators = map[string]TranslateFunc{}

// RegisterTranslator binds a query name to its SQL rendering. Later
// registrations replace earlier ones.
func RegisterTranslator(name string, fn TranslateFunc) {
	translators[name] = fn
}

func init() {
	RegisterTranslator("eq", translateEq)
	RegisterTranslator("noteq", translateNotEq)
	RegisterTranslator("in", translateIn)
	RegisterTranslator("comparison", translateComparison)
	RegisterTranslator("regex", translateRegex)
	RegisterTranslator("fulltext", translateFullText)
	RegisterTranslator("structure_family", translateStructureFamily)
	RegisterTranslator("keys_filter", translateKeysFilter)
	RegisterTranslator("specs", translateSpecs)
	RegisterTranslator("access_blob_filter", translateAccessBlob)
	RegisterTranslator("noaccess", translateNoAccess)
}

// Predicate renders the conjunction of filters. Callers own the surrounding
// WHERE and thread one ArgList through the whole statement.
func Predicate(filters []query.Query, d database.Dialect, args *ArgList) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, q := range filters {
		fn, ok := translators[q.QueryName()]
		if !ok {
			return "", fmt.Errorf("no SQL translation for query %q", q.QueryName())
		}
		pred, err := fn(q, d, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, pred)
	}
	return strings.Join(parts, " AND "), nil
}

// metadataText renders the text-valued JSON extraction of a dotted metadata
// key. The path travels as an argument, never spliced into SQL.
func metadataText(d database.Dialect, key string, args *ArgList) string {
	if d == database.DialectPostgres {
		return fmt.Sprintf("(metadata #>> string_to_array(%s, '.'))", args.Add(key))
	}
	return fmt.Sprintf("json_extract(metadata, %s)", args.Add("$."+key))
}

// compare renders a typed comparison of a JSON extraction against a value.
// PostgreSQL text extraction needs casts for non-string types; SQLite's
// json_extract already yields typed values.
func compare(d database.Dialect, expr, op string, value any, args *ArgList) (string, error) {
	switch v := value.(type) {
	case nil:
		switch op {
		case "=":
			return expr + " IS NULL", nil
		case "!=":
			return expr + " IS NOT NULL", nil
		}
		return "", fmt.Errorf("cannot compare against null")
	case bool:
		ph := args.Add(v)
		if d == database.DialectPostgres {
			return fmt.Sprintf("(%s)::boolean %s %s", expr, op, ph), nil
		}
		return fmt.Sprintf("%s %s %s", expr, op, ph), nil
	case float64, int, int64:
		ph := args.Add(v)
		if d == database.DialectPostgres {
			return fmt.Sprintf("(%s)::numeric %s %s", expr, op, ph), nil
		}
		return fmt.Sprintf("%s %s %s", expr, op, ph), nil
	case string:
		return fmt.Sprintf("%s %s %s", expr, op, args.Add(v)), nil
	default:
		return "", fmt.Errorf("cannot compare metadata against %T", value)
	}
}

func translateEq(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	eq := q.(query.Eq)
	return compare(d, metadataText(d, eq.Key, args), "=", eq.Value, args)
}

// translateNotEq matches documents whose key is present and differs; SQL
// null propagation excludes documents missing the key.
func translateNotEq(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	ne := q.(query.NotEq)
	return compare(d, metadataText(d, ne.Key, args), "!=", ne.Value, args)
}

func translateIn(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	in := q.(query.In)
	if len(in.Values) == 0 {
		return "1 = 0", nil
	}
	expr := metadataText(d, in.Key, args)
	parts := make([]string, 0, len(in.Values))
	for _, v := range in.Values {
		pred, err := compare(d, expr, "=", v, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, pred)
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func translateComparison(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	c := q.(query.Comparison)
	var op string
	switch c.Operator {
	case query.OpGT:
		op = ">"
	case query.OpGE:
		op = ">="
	case query.OpLT:
		op = "<"
	case query.OpLE:
		op = "<="
	default:
		return "", fmt.Errorf("unknown comparison operator %q", c.Operator)
	}
	return compare(d, metadataText(d, c.Key, args), op, c.Value, args)
}

func translateRegex(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	re := q.(query.Regex)
	expr := metadataText(d, re.Key, args)
	if d == database.DialectPostgres {
		op := "~"
		if !re.CaseSensitive {
			op = "~*"
		}
		return fmt.Sprintf("%s %s %s", expr, op, args.Add(re.Pattern)), nil
	}
	pattern := re.Pattern
	if !re.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	return fmt.Sprintf("%s REGEXP %s", expr, args.Add(pattern)), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func translateFullText(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	ft := q.(query.FullText)
	if d == database.DialectPostgres {
		return fmt.Sprintf("to_tsvector('simple', metadata::text) @@ plainto_tsquery('simple', %s)", args.Add(ft.Text)), nil
	}
	// SQLite approximates full text with a substring scan over the JSON.
	ph := args.Add("%" + likeEscaper.Replace(ft.Text) + "%")
	return fmt.Sprintf(`metadata LIKE %s ESCAPE '\'`, ph), nil
}

func translateStructureFamily(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	sf := q.(query.StructureFamily)
	return "structure_family = " + args.Add(string(sf.Value)), nil
}

func translateKeysFilter(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	kf := q.(query.KeysFilter)
	if len(kf.Keys) == 0 {
		return "1 = 0", nil
	}
	parts := make([]string, 0, len(kf.Keys))
	for _, k := range kf.Keys {
		parts = append(parts, args.Add(k))
	}
	return "key IN (" + strings.Join(parts, ", ") + ")", nil
}

func translateSpecs(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	sq := q.(query.SpecsQuery)
	var parts []string
	for _, name := range sq.Include {
		parts = append(parts, specMembership(d, name, true, args))
	}
	for _, name := range sq.Exclude {
		parts = append(parts, specMembership(d, name, false, args))
	}
	if len(parts) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(parts, " AND "), nil
}

func specMembership(d database.Dialect, name string, include bool, args *ArgList) string {
	var pred string
	if d == database.DialectPostgres {
		probe, _ := json.Marshal([]map[string]string{{"name": name}})
		pred = fmt.Sprintf("specs @> %s::jsonb", args.Add(string(probe)))
	} else {
		pred = fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(nodes.specs) WHERE json_extract(json_each.value, '$.name') = %s)",
			args.Add(name))
	}
	if !include {
		return "NOT (" + pred + ")"
	}
	return pred
}

func translateAccessBlob(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	ab := q.(query.AccessBlobFilter)
	var parts []string

	if ab.UserID != "" {
		if d == database.DialectPostgres {
			parts = append(parts, "access_blob #>> '{user}' = "+args.Add(ab.UserID))
		} else {
			parts = append(parts, "json_extract(access_blob, '$.user') = "+args.Add(ab.UserID))
		}
	}

	if len(ab.Tags) > 0 {
		if d == database.DialectPostgres {
			parts = append(parts, fmt.Sprintf("access_blob -> 'tags' ?| %s::text[]", args.Add(ab.Tags)))
		} else {
			placeholders := make([]string, 0, len(ab.Tags))
			for _, tag := range ab.Tags {
				placeholders = append(placeholders, args.Add(tag))
			}
			parts = append(parts, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(nodes.access_blob, '$.tags') WHERE json_each.value IN (%s))",
				strings.Join(placeholders, ", ")))
		}
	}

	if len(parts) == 0 {
		return "1 = 0", nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func translateNoAccess(q query.Query, d database.Dialect, args *ArgList) (string, error) {
	return "1 = 0", nil
}

// orderBy renders the ORDER BY clause for a sorting spec. Insertion order
// is (time_created, id); metadata keys sort on their JSON extraction with
// the insertion order as tiebreak. Nodes missing a metadata key sort last
// on both dialects.
func orderBy(d database.Dialect, sorting []structure.SortKey, args *ArgList) string {
	if len(sorting) == 0 {
		sorting = structure.DefaultSorting()
	}
	var parts []string
	for _, sk := range sorting {
		dir := "ASC"
		if !sk.Ascending() {
			dir = "DESC"
		}
		if sk.Key == structure.InsertionOrderKey {
			parts = append(parts, "time_created "+dir, "id "+dir)
			continue
		}
		parts = append(parts, metadataText(d, sk.Key, args)+" "+dir+" NULLS LAST")
	}
	last := sorting[len(sorting)-1]
	if last.Key != structure.InsertionOrderKey {
		parts = append(parts, "time_created ASC", "id ASC")
	}
	return strings.Join(parts, ", ")
}
