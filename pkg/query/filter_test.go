package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/structure"
)

func parseQuery(t *testing.T, rawQuery string) url.Values {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	return values
}

func TestParseFiltersEq(t *testing.T) {
	values := parseQuery(t, `filter[eq][condition][key]=color&filter[eq][condition][value]="red"`)

	queries, err := ParseFilters(values)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, Eq{Key: "color", Value: "red"}, queries[0])
}

func TestParseFiltersPositionalGrouping(t *testing.T) {
	values := parseQuery(t,
		`filter[eq][condition][key]=color&filter[eq][condition][value]="red"`+
			`&filter[eq][condition][key]=number&filter[eq][condition][value]=7`)

	queries, err := ParseFilters(values)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, Eq{Key: "color", Value: "red"}, queries[0])
	assert.Equal(t, Eq{Key: "number", Value: float64(7)}, queries[1])
}

func TestParseFiltersMismatchedGroups(t *testing.T) {
	values := parseQuery(t,
		`filter[eq][condition][key]=color&filter[eq][condition][key]=number`+
			`&filter[eq][condition][value]="red"`)

	_, err := ParseFilters(values)
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestParseFiltersValueMustBeJSON(t *testing.T) {
	values := parseQuery(t, `filter[eq][condition][key]=color&filter[eq][condition][value]=red`)

	_, err := ParseFilters(values)
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestParseFiltersComparison(t *testing.T) {
	values := parseQuery(t,
		`filter[comparison][condition][operator]=gt`+
			`&filter[comparison][condition][key]=temperature`+
			`&filter[comparison][condition][value]=300`)

	queries, err := ParseFilters(values)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, Comparison{Operator: OpGT, Key: "temperature", Value: float64(300)}, queries[0])

	values = parseQuery(t,
		`filter[comparison][condition][operator]=approx`+
			`&filter[comparison][condition][key]=temperature`+
			`&filter[comparison][condition][value]=300`)
	_, err = ParseFilters(values)
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestParseFiltersRegex(t *testing.T) {
	t.Run("defaults to case sensitive", func(t *testing.T) {
		values := parseQuery(t,
			`filter[regex][condition][key]=name&filter[regex][condition][pattern]=^run`)

		queries, err := ParseFilters(values)
		require.NoError(t, err)
		require.Len(t, queries, 1)
		assert.Equal(t, Regex{Key: "name", Pattern: "^run", CaseSensitive: true}, queries[0])
	})

	t.Run("explicit case flag", func(t *testing.T) {
		values := parseQuery(t,
			`filter[regex][condition][key]=name&filter[regex][condition][pattern]=^run`+
				`&filter[regex][condition][case_sensitive]=false`)

		queries, err := ParseFilters(values)
		require.NoError(t, err)
		assert.Equal(t, Regex{Key: "name", Pattern: "^run", CaseSensitive: false}, queries[0])
	})

	t.Run("rejects bad pattern", func(t *testing.T) {
		values := parseQuery(t,
			`filter[regex][condition][key]=name&filter[regex][condition][pattern]=%5B`)

		_, err := ParseFilters(values)
		require.ErrorIs(t, err, ErrInvalidFilter)
	})
}

func TestParseFiltersInAndKeys(t *testing.T) {
	values := parseQuery(t,
		`filter[in][condition][key]=shape&filter[in][condition][value]=["circle","square"]`+
			`&filter[keys_filter][condition][keys]=["a","b"]`)

	queries, err := ParseFilters(values)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, In{Key: "shape", Values: []any{"circle", "square"}}, queries[0])
	assert.Equal(t, KeysFilter{Keys: []string{"a", "b"}}, queries[1])
}

func TestParseFiltersSpecsAndFamily(t *testing.T) {
	values := parseQuery(t,
		`filter[specs][condition][include]=["xdi"]&filter[specs][condition][exclude]=["raw"]`+
			`&filter[structure_family][condition][value]=array`)

	queries, err := ParseFilters(values)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, SpecsQuery{Include: []string{"xdi"}, Exclude: []string{"raw"}}, queries[0])
	assert.Equal(t, StructureFamily{Value: structure.FamilyArray}, queries[1])
}

func TestParseFiltersUnknowns(t *testing.T) {
	t.Run("unknown query type", func(t *testing.T) {
		values := parseQuery(t, `filter[near][condition][key]=x`)
		_, err := ParseFilters(values)
		require.ErrorIs(t, err, ErrInvalidFilter)
	})

	t.Run("unknown field", func(t *testing.T) {
		values := parseQuery(t,
			`filter[eq][condition][key]=x&filter[eq][condition][value]=1&filter[eq][condition][mode]=fast`)
		_, err := ParseFilters(values)
		require.ErrorIs(t, err, ErrInvalidFilter)
	})

	t.Run("non-filter parameters ignored", func(t *testing.T) {
		values := parseQuery(t, `page[limit]=10&sort=key`)
		queries, err := ParseFilters(values)
		require.NoError(t, err)
		assert.Empty(t, queries)
	})
}

func TestFullText(t *testing.T) {
	values := parseQuery(t, `filter[fulltext][condition][text]=laser`)
	queries, err := ParseFilters(values)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, FullText{Text: "laser"}, queries[0])
}
