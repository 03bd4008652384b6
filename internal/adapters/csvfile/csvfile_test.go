package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/adapter"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestAdapter(t *testing.T, path string) *Adapter {
	t.Helper()
	sources, err := Generate(context.Background(), Mimetype, adapter.FileURI(path), false)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	node := adapter.NodeInfo{Structure: sources[0].Structure, DataSource: sources[0]}
	a, err := New(context.Background(), node)
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestReadWithInference(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, writeCSV(t, "color,weight,ripe\nred,1.5,true\nblue,,false\ngreen,3,maybe\n"))

	got, err := a.Read(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"color", "weight", "ripe"}, got.Columns)
	assert.Equal(t, []any{"red", "blue", "green"}, got.Data["color"])
	assert.Equal(t, []any{1.5, nil, 3.0}, got.Data["weight"])
	assert.Equal(t, []any{true, false, "maybe"}, got.Data["ripe"])

	t.Run("column selection", func(t *testing.T) {
		got, err := a.ReadPartition(ctx, 0, []string{"weight"})
		require.NoError(t, err)
		assert.Equal(t, []string{"weight"}, got.Columns)
	})

	t.Run("only partition zero exists", func(t *testing.T) {
		_, err := a.ReadPartition(ctx, 1, nil)
		assert.ErrorIs(t, err, adapter.ErrBlockOutOfRange)
	})
}

func TestGenerate(t *testing.T) {
	path := writeCSV(t, "color,weight\nred,1\nblue,2\n")
	sources, err := Generate(context.Background(), Mimetype, adapter.FileURI(path), false)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	ds := sources[0]
	assert.Equal(t, Mimetype, ds.Mimetype)
	assert.Equal(t, adapter.ManagementExternal, ds.Management)
	require.Len(t, ds.Assets, 1)
	assert.Equal(t, "data_uri", ds.Assets[0].Parameter)

	table, ok := ds.Structure.Table()
	require.True(t, ok)
	assert.Equal(t, []string{"color", "weight"}, table.Columns)
	assert.Equal(t, int64(2), table.Length)
	assert.Equal(t, []int64{2}, table.RowCounts)

	t.Run("directories are rejected", func(t *testing.T) {
		_, err := Generate(context.Background(), Mimetype, adapter.FileURI(t.TempDir()), true)
		assert.ErrorContains(t, err, "directory")
	})

	t.Run("header only", func(t *testing.T) {
		empty := writeCSV(t, "a,b\n")
		sources, err := Generate(context.Background(), Mimetype, adapter.FileURI(empty), false)
		require.NoError(t, err)
		table, ok := sources[0].Structure.Table()
		require.True(t, ok)
		assert.Equal(t, int64(0), table.Length)
	})

	assert.True(t, adapter.IsRegistered(Mimetype))
}
