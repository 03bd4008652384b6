package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

type bogusQuery struct{}

func (bogusQuery) QueryName() string { return "bogus" }

// demoTree builds
//
//	root
//	├── red1    array, color=red, weight=2, spec xdi
//	├── blue1   table, color=blue, weight=1
//	└── nested
//	    └── inner  array, color=red, note "bright blue edges"
func demoTree(t *testing.T) *Container {
	t.Helper()
	root := NewContainer(map[string]any{"title": "demo"})

	payload, err := structure.FromFloat64s([]int64{2}, []float64{1, 2})
	require.NoError(t, err)
	red1, err := NewArray(payload, map[string]any{"color": "red", "weight": 2.0})
	require.NoError(t, err)
	red1.SetSpecs([]structure.Spec{{Name: "xdi"}})
	require.NoError(t, root.Set("red1", red1))

	blue1, err := NewTable(rows([]any{"a"}, []any{1.0}), map[string]any{"color": "blue", "weight": 1.0})
	require.NoError(t, err)
	require.NoError(t, root.Set("blue1", blue1))

	nested := NewContainer(map[string]any{"note": "bright blue edges"})
	inner, err := NewArray(payload, map[string]any{"color": "red"})
	require.NoError(t, err)
	require.NoError(t, nested.Set("inner", inner))
	require.NoError(t, root.Set("nested", nested))

	return root
}

func TestContainerListing(t *testing.T) {
	ctx := context.Background()
	root := demoTree(t)

	keys, err := root.KeysRange(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"red1", "blue1", "nested"}, keys)

	t.Run("window", func(t *testing.T) {
		keys, err := root.KeysRange(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"blue1"}, keys)

		keys, err = root.KeysRange(ctx, 5, 1)
		require.NoError(t, err)
		assert.Empty(t, keys)

		keys, err = root.KeysRange(ctx, 1, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"blue1", "nested"}, keys)
	})

	t.Run("items", func(t *testing.T) {
		items, err := root.ItemsRange(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, structure.FamilyArray, items[0].Adapter.StructureFamily())
		_, isContainer := items[2].Adapter.(adapter.Container)
		assert.True(t, isContainer)
	})

	t.Run("len", func(t *testing.T) {
		n, err := root.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		count, exact, err := root.LenLowerBound(ctx, 2)
		require.NoError(t, err)
		assert.False(t, exact)
		assert.Equal(t, int64(3), count)

		count, exact, err = root.LenLowerBound(ctx, 10)
		require.NoError(t, err)
		assert.True(t, exact)
		assert.Equal(t, int64(3), count)
	})

	t.Run("delete", func(t *testing.T) {
		root := demoTree(t)
		root.Delete("blue1")
		keys, err := root.KeysRange(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"red1", "nested"}, keys)
	})

	t.Run("bad keys", func(t *testing.T) {
		assert.Error(t, root.Set("", nil))
		assert.Error(t, root.Set("a/b", nil))
	})
}

func TestContainerLookup(t *testing.T) {
	ctx := context.Background()
	root := demoTree(t)

	got, err := root.Lookup(ctx, []string{"nested", "inner"})
	require.NoError(t, err)
	assert.Equal(t, structure.FamilyArray, got.StructureFamily())

	_, err = root.Lookup(ctx, []string{"absent"})
	assert.ErrorIs(t, err, adapter.ErrKeyNotFound)

	// Descending through a leaf misses on the next segment.
	_, err = root.Lookup(ctx, []string{"red1", "deeper"})
	assert.ErrorIs(t, err, adapter.ErrKeyNotFound)
}

func TestContainerSearch(t *testing.T) {
	ctx := context.Background()
	root := demoTree(t)

	searchKeys := func(t *testing.T, q query.Query) []string {
		t.Helper()
		view, err := root.Search(ctx, q)
		require.NoError(t, err)
		keys, err := view.KeysRange(ctx, 0, 10)
		require.NoError(t, err)
		return keys
	}

	cases := []struct {
		name string
		q    query.Query
		want []string
	}{
		{"eq", query.Eq{Key: "color", Value: "red"}, []string{"red1"}},
		{"eq number", query.Eq{Key: "weight", Value: 2}, []string{"red1"}},
		{"eq null matches missing", query.Eq{Key: "color", Value: nil}, []string{"nested"}},
		{"noteq skips missing", query.NotEq{Key: "color", Value: "red"}, []string{"blue1"}},
		{"in", query.In{Key: "color", Values: []any{"red", "green"}}, []string{"red1"}},
		{"in empty", query.In{Key: "color", Values: nil}, nil},
		{"gt", query.Comparison{Operator: query.OpGT, Key: "weight", Value: 1}, []string{"red1"}},
		{"le", query.Comparison{Operator: query.OpLE, Key: "weight", Value: 1.0}, []string{"blue1"}},
		{"regex", query.Regex{Key: "color", Pattern: "^re", CaseSensitive: true}, []string{"red1"}},
		{"regex insensitive", query.Regex{Key: "color", Pattern: "^RE"}, []string{"red1"}},
		{"fulltext", query.FullText{Text: "blue"}, []string{"blue1", "nested"}},
		{"structure family", query.StructureFamily{Value: structure.FamilyTable}, []string{"blue1"}},
		{"keys filter", query.KeysFilter{Keys: []string{"blue1", "nested"}}, []string{"blue1", "nested"}},
		{"specs include", query.SpecsQuery{Include: []string{"xdi"}}, []string{"red1"}},
		{"specs exclude", query.SpecsQuery{Exclude: []string{"xdi"}}, []string{"blue1", "nested"}},
		{"noaccess", query.NoAccess{}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, searchKeys(t, tc.q))
		})
	}

	t.Run("search does not disturb the original", func(t *testing.T) {
		keys, err := root.KeysRange(ctx, 0, 10)
		require.NoError(t, err)
		assert.Len(t, keys, 3)
	})

	t.Run("filters apply down the subtree", func(t *testing.T) {
		view, err := root.Search(ctx, query.Eq{Key: "color", Value: "red"})
		require.NoError(t, err)
		// nested has no color, so the path through it is hidden.
		_, err = view.Lookup(ctx, []string{"nested", "inner"})
		assert.ErrorIs(t, err, adapter.ErrKeyNotFound)
	})

	t.Run("unsupported queries error", func(t *testing.T) {
		view, err := root.Search(ctx, bogusQuery{})
		require.NoError(t, err)
		_, err = view.KeysRange(ctx, 0, 10)
		assert.ErrorContains(t, err, "bogus")

		view, err = root.Search(ctx, query.AccessBlobFilter{UserID: "alice"})
		require.NoError(t, err)
		_, err = view.Len(ctx)
		assert.ErrorContains(t, err, "access filtering")
	})
}

func TestContainerSort(t *testing.T) {
	ctx := context.Background()
	root := demoTree(t)

	t.Run("metadata key ascending", func(t *testing.T) {
		view, err := root.Sort(ctx, []structure.SortKey{{Key: "weight", Direction: 1}})
		require.NoError(t, err)
		keys, err := view.KeysRange(ctx, 0, 10)
		require.NoError(t, err)
		// nested has no weight and sorts last.
		assert.Equal(t, []string{"blue1", "red1", "nested"}, keys)
	})

	t.Run("metadata key descending keeps missing last", func(t *testing.T) {
		view, err := root.Sort(ctx, []structure.SortKey{{Key: "weight", Direction: -1}})
		require.NoError(t, err)
		keys, err := view.KeysRange(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"red1", "blue1", "nested"}, keys)
	})

	t.Run("insertion order descending", func(t *testing.T) {
		view, err := root.Sort(ctx, []structure.SortKey{{Key: structure.InsertionOrderKey, Direction: -1}})
		require.NoError(t, err)
		keys, err := view.KeysRange(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"nested", "blue1", "red1"}, keys)
	})
}
