package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/database"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:", database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(ctx, db, t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func containerNode(key string, ancestors ...string) *Node {
	return &Node{
		Key:             key,
		Ancestors:       ancestors,
		StructureFamily: structure.FamilyContainer,
		Metadata:        map[string]any{},
		AccessBlob:      authz.AccessBlob{User: "alice"},
	}
}

func arrayNode(key string, metadata map[string]any, ancestors ...string) *Node {
	st := structure.FromArray(structure.NewArrayStructure(structure.Float64(), []int64{3, 5}))
	return &Node{
		Key:             key,
		Ancestors:       ancestors,
		StructureFamily: structure.FamilyArray,
		Metadata:        metadata,
		AccessBlob:      authz.AccessBlob{User: "alice"},
		DataSources: []adapter.DataSource{{
			Mimetype:   "application/x-trellis-array",
			Structure:  st,
			Management: adapter.ManagementWritable,
		}},
	}
}

func TestCreateAndGetNode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(ctx, containerNode("raw")))

	node := arrayNode("temperature", map[string]any{"color": "red", "number": 5}, "raw")
	require.NoError(t, store.CreateNode(ctx, node))
	assert.NotEqual(t, uuid.Nil, node.ID)

	t.Run("round trip", func(t *testing.T) {
		got, err := store.GetNode(ctx, "raw", "temperature")
		require.NoError(t, err)

		assert.Equal(t, node.ID, got.ID)
		assert.Equal(t, "temperature", got.Key)
		assert.Equal(t, []string{"raw"}, got.Ancestors)
		assert.Equal(t, structure.FamilyArray, got.StructureFamily)
		assert.Equal(t, "red", got.Metadata["color"])
		assert.Equal(t, float64(5), got.Metadata["number"])
		assert.Equal(t, "alice", got.AccessBlob.User)
		assert.False(t, got.TimeCreated.IsZero())

		require.Len(t, got.DataSources, 1)
		ds := got.DataSources[0]
		assert.Equal(t, "application/x-trellis-array", ds.Mimetype)
		assert.Equal(t, adapter.ManagementWritable, ds.Management)

		arr, ok := ds.Structure.Array()
		require.True(t, ok)
		assert.Equal(t, []int64{3, 5}, arr.Shape)
	})

	t.Run("writable source gets a minted asset", func(t *testing.T) {
		got, err := store.GetNode(ctx, "raw", "temperature")
		require.NoError(t, err)
		require.Len(t, got.DataSources[0].Assets, 1)

		asset := got.DataSources[0].Assets[0]
		assert.True(t, asset.IsDirectory)
		assert.Equal(t, "data_uri", asset.Parameter)

		path, err := adapter.PathFromFileURI(asset.DataURI)
		require.NoError(t, err)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("by path", func(t *testing.T) {
		got, err := store.GetNodeByPath(ctx, "/raw/temperature")
		require.NoError(t, err)
		assert.Equal(t, node.ID, got.ID)

		root, err := store.GetNodeByPath(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "", root.Key)
		assert.True(t, root.IsContainer())
		assert.True(t, root.AccessBlob.IsPublic())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.GetNode(ctx, "raw", "pressure")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateNodeValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("bad keys", func(t *testing.T) {
		for _, key := range []string{"", "a/b", "a\x00b"} {
			err := store.CreateNode(ctx, containerNode(key))
			assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
		}
	})

	t.Run("leaf requires a data source", func(t *testing.T) {
		node := containerNode("bare")
		node.StructureFamily = structure.FamilyArray
		err := store.CreateNode(ctx, node)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "require a data source")
	})

	t.Run("duplicate key conflicts", func(t *testing.T) {
		require.NoError(t, store.CreateNode(ctx, containerNode("dup")))
		err := store.CreateNode(ctx, containerNode("dup"))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("duplicate specs rejected", func(t *testing.T) {
		node := containerNode("specced")
		node.Specs = []structure.Spec{{Name: "xdi"}, {Name: "xdi"}}
		err := store.CreateNode(ctx, node)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate spec")
	})

	t.Run("no writable storage", func(t *testing.T) {
		db, err := database.Open(ctx, ":memory:", database.Options{})
		require.NoError(t, err)
		defer db.Close()
		bare, err := NewStore(ctx, db, "", nil)
		require.NoError(t, err)

		err = bare.CreateNode(ctx, arrayNode("x", nil))
		assert.ErrorIs(t, err, ErrNoWritableStorage)
	})
}

func TestKeysRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(ctx, containerNode("scan")))
	weights := map[string]float64{"a": 3, "b": 1, "c": 2}
	for _, key := range []string{"a", "b", "c"} {
		node := arrayNode(key, map[string]any{"weight": weights[key]}, "scan")
		require.NoError(t, store.CreateNode(ctx, node))
	}

	t.Run("insertion order", func(t *testing.T) {
		keys, err := store.KeysRange(ctx, "scan", 0, 10, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)
	})

	t.Run("window", func(t *testing.T) {
		keys, err := store.KeysRange(ctx, "scan", 1, 1, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, keys)
	})

	t.Run("reverse insertion order", func(t *testing.T) {
		sorting := []structure.SortKey{{Key: structure.InsertionOrderKey, Direction: -1}}
		keys, err := store.KeysRange(ctx, "scan", 0, 10, sorting, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, keys)
	})

	t.Run("sort by metadata key", func(t *testing.T) {
		sorting := []structure.SortKey{{Key: "weight", Direction: 1}}
		keys, err := store.KeysRange(ctx, "scan", 0, 10, sorting, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a"}, keys)

		sorting[0].Direction = -1
		keys, err = store.KeysRange(ctx, "scan", 0, 10, sorting, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c", "b"}, keys)
	})

	t.Run("no access sees nothing", func(t *testing.T) {
		keys, err := store.KeysRange(ctx, "scan", 0, 10, nil, []query.Query{query.NoAccess{}})
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(ctx, containerNode("run")))

	red := arrayNode("red1", map[string]any{"color": "red", "number": 5, "ok": true}, "run")
	red.Specs = []structure.Spec{{Name: "xdi", Version: "1.0"}}
	require.NoError(t, store.CreateNode(ctx, red))

	blue := arrayNode("blue1", map[string]any{"color": "blue", "number": 11}, "run")
	require.NoError(t, store.CreateNode(ctx, blue))

	tagged := containerNode("shared")
	tagged.Ancestors = []string{"run"}
	tagged.AccessBlob = authz.AccessBlob{Tags: []string{"proposal-1234"}}
	require.NoError(t, store.CreateNode(ctx, tagged))

	cases := []struct {
		name    string
		filters []query.Query
		want    []string
	}{
		{"eq string", []query.Query{query.Eq{Key: "color", Value: "red"}}, []string{"red1"}},
		{"eq number", []query.Query{query.Eq{Key: "number", Value: float64(11)}}, []string{"blue1"}},
		{"eq bool", []query.Query{query.Eq{Key: "ok", Value: true}}, []string{"red1"}},
		{"eq missing key", []query.Query{query.Eq{Key: "nope", Value: "x"}}, nil},
		{"noteq excludes missing key", []query.Query{query.NotEq{Key: "color", Value: "red"}}, []string{"blue1"}},
		{"in", []query.Query{query.In{Key: "color", Values: []any{"red", "green"}}}, []string{"red1"}},
		{"in empty", []query.Query{query.In{Key: "color"}}, nil},
		{"comparison gt", []query.Query{query.Comparison{Operator: query.OpGT, Key: "number", Value: 10}}, []string{"blue1"}},
		{"comparison le", []query.Query{query.Comparison{Operator: query.OpLE, Key: "number", Value: 5}}, []string{"red1"}},
		{"regex", []query.Query{query.Regex{Key: "color", Pattern: "^re", CaseSensitive: true}}, []string{"red1"}},
		{"regex case insensitive", []query.Query{query.Regex{Key: "color", Pattern: "^RE"}}, []string{"red1"}},
		{"fulltext", []query.Query{query.FullText{Text: "blue"}}, []string{"blue1"}},
		{"structure family", []query.Query{query.StructureFamily{Value: structure.FamilyContainer}}, []string{"shared"}},
		{"keys filter", []query.Query{query.KeysFilter{Keys: []string{"blue1", "shared"}}}, []string{"blue1", "shared"}},
		{"specs include", []query.Query{query.SpecsQuery{Include: []string{"xdi"}}}, []string{"red1"}},
		{"specs exclude", []query.Query{query.SpecsQuery{Exclude: []string{"xdi"}}}, []string{"blue1", "shared"}},
		{"owner filter", []query.Query{query.AccessBlobFilter{UserID: "alice"}}, []string{"red1", "blue1"}},
		{"tag filter", []query.Query{query.AccessBlobFilter{Tags: []string{"proposal-1234", "public"}}}, []string{"shared"}},
		{"owner or tag", []query.Query{query.AccessBlobFilter{UserID: "alice", Tags: []string{"proposal-1234"}}}, []string{"red1", "blue1", "shared"}},
		{"empty blob filter", []query.Query{query.AccessBlobFilter{}}, nil},
		{"conjunction", []query.Query{
			query.Eq{Key: "color", Value: "red"},
			query.Comparison{Operator: query.OpLT, Key: "number", Value: 100},
		}, []string{"red1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys, err := store.KeysRange(ctx, "run", 0, 10, nil, tc.filters)
			require.NoError(t, err)
			assert.Equal(t, tc.want, keys)
		})
	}

	t.Run("unsupported value type", func(t *testing.T) {
		_, err := store.KeysRange(ctx, "run", 0, 10, nil, []query.Query{
			query.Eq{Key: "color", Value: []string{"red"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot compare")
	})
}

func TestLen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(ctx, containerNode("big")))
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.CreateNode(ctx, arrayNode(key, nil, "big")))
	}

	count, err := store.Len(ctx, "big", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	count, exact, err := store.LenLowerBound(ctx, "big", 3, nil)
	require.NoError(t, err)
	assert.False(t, exact)
	assert.Equal(t, int64(4), count)

	count, exact, err = store.LenLowerBound(ctx, "big", 10, nil)
	require.NoError(t, err)
	assert.True(t, exact)
	assert.Equal(t, int64(5), count)

	count, err = store.Len(ctx, "big", []query.Query{query.NoAccess{}})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpdateNodeAndRevisions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	node := arrayNode("sample", map[string]any{"color": "red"})
	require.NoError(t, store.CreateNode(ctx, node))

	editor := uuid.New()
	updated, err := store.UpdateNode(ctx, node, map[string]any{"color": "green"}, nil, nil, editor)
	require.NoError(t, err)
	assert.Equal(t, "green", updated.Metadata["color"])
	assert.Equal(t, editor, updated.UpdatedBy)
	assert.Equal(t, "alice", updated.AccessBlob.User)

	newBlob := &authz.AccessBlob{Tags: []string{"proposal-1234"}}
	updated, err = store.UpdateNode(ctx, updated, map[string]any{"color": "blue"}, nil, newBlob, editor)
	require.NoError(t, err)
	assert.Equal(t, []string{"proposal-1234"}, updated.AccessBlob.Tags)

	t.Run("store reflects the update", func(t *testing.T) {
		got, err := store.GetNode(ctx, "", "sample")
		require.NoError(t, err)
		assert.Equal(t, "blue", got.Metadata["color"])
		assert.Equal(t, []string{"proposal-1234"}, got.AccessBlob.Tags)
	})

	t.Run("revisions hold prior states oldest first", func(t *testing.T) {
		revisions, err := store.Revisions(ctx, node.ID, 0, 10)
		require.NoError(t, err)
		require.Len(t, revisions, 2)

		assert.Equal(t, 1, revisions[0].RevisionNumber)
		assert.Equal(t, "red", revisions[0].Metadata["color"])
		assert.Equal(t, "alice", revisions[0].AccessBlob.User)

		assert.Equal(t, 2, revisions[1].RevisionNumber)
		assert.Equal(t, "green", revisions[1].Metadata["color"])
		assert.Equal(t, editor, revisions[1].UpdatedBy)
	})

	t.Run("delete revision", func(t *testing.T) {
		require.NoError(t, store.DeleteRevision(ctx, node.ID, 1))

		revisions, err := store.Revisions(ctx, node.ID, 0, 10)
		require.NoError(t, err)
		require.Len(t, revisions, 1)
		assert.Equal(t, 2, revisions[0].RevisionNumber)

		err = store.DeleteRevision(ctx, node.ID, 99)
		assert.ErrorIs(t, err, ErrRevisionNotFound)
	})
}

func TestDeleteNode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("refuses while children exist", func(t *testing.T) {
		parent := containerNode("tree")
		require.NoError(t, store.CreateNode(ctx, parent))
		child := containerNode("leaf")
		child.Ancestors = []string{"tree"}
		require.NoError(t, store.CreateNode(ctx, child))

		err := store.DeleteNode(ctx, parent)
		assert.ErrorIs(t, err, ErrHasChildren)

		require.NoError(t, store.DeleteNode(ctx, child))
		require.NoError(t, store.DeleteNode(ctx, parent))

		err = store.DeleteNode(ctx, parent)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("removes minted asset bytes", func(t *testing.T) {
		node := arrayNode("doomed", nil)
		require.NoError(t, store.CreateNode(ctx, node))

		path, err := adapter.PathFromFileURI(node.DataSources[0].Assets[0].DataURI)
		require.NoError(t, err)
		_, err = os.Stat(path)
		require.NoError(t, err)

		require.NoError(t, store.DeleteNode(ctx, node))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		_, err = store.GetNode(ctx, "", "doomed")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("leaves external bytes in place", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "data.csv")
		require.NoError(t, os.WriteFile(file, []byte("a,b\n1,2\n"), 0o644))

		node := arrayNode("registered", nil)
		node.DataSources[0].Management = adapter.ManagementExternal
		node.DataSources[0].Assets = []adapter.Asset{{DataURI: adapter.FileURI(file), Parameter: "data_uri"}}
		require.NoError(t, store.CreateNode(ctx, node))

		require.NoError(t, store.DeleteNode(ctx, node))
		_, err := os.Stat(file)
		assert.NoError(t, err)
	})
}

func TestDistinct(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(ctx, containerNode("pool")))
	specs := [][]structure.Spec{
		{{Name: "xdi"}},
		{{Name: "xdi"}},
		nil,
	}
	for i, meta := range []map[string]any{
		{"color": "red", "size": float64(1)},
		{"color": "red"},
		{"color": "blue", "size": float64(2)},
	} {
		node := arrayNode([]string{"n1", "n2", "n3"}[i], meta, "pool")
		node.Specs = specs[i]
		require.NoError(t, store.CreateNode(ctx, node))
	}
	sub := containerNode("subdir")
	sub.Ancestors = []string{"pool"}
	require.NoError(t, store.CreateNode(ctx, sub))

	t.Run("metadata values with counts", func(t *testing.T) {
		result, err := store.Distinct(ctx, "pool", nil, []string{"color", "size"}, false, false, true)
		require.NoError(t, err)

		colors := result.Metadata["color"]
		require.Len(t, colors, 2)
		assert.Equal(t, "blue", colors[0].Value)
		assert.Equal(t, int64(1), *colors[0].Count)
		assert.Equal(t, "red", colors[1].Value)
		assert.Equal(t, int64(2), *colors[1].Count)

		sizes := result.Metadata["size"]
		require.Len(t, sizes, 2)
		assert.Equal(t, float64(1), sizes[0].Value)
		assert.Equal(t, float64(2), sizes[1].Value)
	})

	t.Run("without counts", func(t *testing.T) {
		result, err := store.Distinct(ctx, "pool", nil, []string{"color"}, false, false, false)
		require.NoError(t, err)
		require.Len(t, result.Metadata["color"], 2)
		assert.Nil(t, result.Metadata["color"][0].Count)
	})

	t.Run("structure families", func(t *testing.T) {
		result, err := store.Distinct(ctx, "pool", nil, nil, true, false, true)
		require.NoError(t, err)
		require.Len(t, result.StructureFamilies, 2)
		assert.Equal(t, "array", result.StructureFamilies[0].Value)
		assert.Equal(t, int64(3), *result.StructureFamilies[0].Count)
		assert.Equal(t, "container", result.StructureFamilies[1].Value)
	})

	t.Run("specs", func(t *testing.T) {
		result, err := store.Distinct(ctx, "pool", nil, nil, false, true, true)
		require.NoError(t, err)
		require.Len(t, result.Specs, 1)
		assert.Equal(t, "xdi", result.Specs[0].Value)
		assert.Equal(t, int64(2), *result.Specs[0].Count)
	})

	t.Run("filters narrow the population", func(t *testing.T) {
		filters := []query.Query{query.Eq{Key: "color", Value: "red"}}
		result, err := store.Distinct(ctx, "pool", filters, []string{"color"}, false, false, true)
		require.NoError(t, err)
		require.Len(t, result.Metadata["color"], 1)
		assert.Equal(t, "red", result.Metadata["color"][0].Value)
		assert.Equal(t, int64(2), *result.Metadata["color"][0].Count)
	})

	t.Run("no access yields empty result", func(t *testing.T) {
		result, err := store.Distinct(ctx, "pool", []query.Query{query.NoAccess{}}, []string{"color"}, true, true, true)
		require.NoError(t, err)
		assert.Empty(t, result.Metadata)
		assert.Empty(t, result.StructureFamilies)
		assert.Empty(t, result.Specs)
	})
}

func TestUpdateDataSourceStructure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	node := arrayNode("growing", nil)
	require.NoError(t, store.CreateNode(ctx, node))

	grown := structure.FromArray(structure.NewArrayStructure(structure.Float64(), []int64{6, 5}))
	require.NoError(t, store.UpdateDataSourceStructure(ctx, node.DataSources[0].ID, grown))

	got, err := store.GetNode(ctx, "", "growing")
	require.NoError(t, err)
	arr, ok := got.DataSources[0].Structure.Array()
	require.True(t, ok)
	assert.Equal(t, []int64{6, 5}, arr.Shape)

	err = store.UpdateDataSourceStructure(ctx, 9999, grown)
	assert.ErrorIs(t, err, ErrNotFound)
}
