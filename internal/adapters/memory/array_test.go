package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestArrayReadWrite(t *testing.T) {
	ctx := context.Background()
	payload, err := structure.FromFloat64s([]int64{2, 3}, ramp(6))
	require.NoError(t, err)
	a, err := NewArray(payload, map[string]any{"color": "red"})
	require.NoError(t, err)

	t.Run("full read", func(t *testing.T) {
		got, err := a.Read(ctx, nil)
		require.NoError(t, err)
		values, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, ramp(6), values)
	})

	t.Run("sliced read", func(t *testing.T) {
		slices, err := structure.ParseSlices("1,0:2")
		require.NoError(t, err)
		got, err := a.Read(ctx, slices)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, got.Shape)
		values, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 4}, values)
	})

	t.Run("write replaces contents", func(t *testing.T) {
		next, err := structure.FromFloat64s([]int64{2, 3}, []float64{9, 9, 9, 9, 9, 9})
		require.NoError(t, err)
		require.NoError(t, a.Write(ctx, next))
		got, err := a.Read(ctx, nil)
		require.NoError(t, err)
		values, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{9, 9, 9, 9, 9, 9}, values)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		bad, err := structure.FromFloat64s([]int64{3, 2}, ramp(6))
		require.NoError(t, err)
		assert.ErrorIs(t, a.Write(ctx, bad), adapter.ErrShapeMismatch)
	})

	assert.Equal(t, structure.FamilyArray, a.StructureFamily())
	assert.Equal(t, "red", a.Metadata()["color"])
}

func TestArrayBlocks(t *testing.T) {
	ctx := context.Background()
	arr := structure.ArrayStructure{
		DataType: structure.Float64(),
		Shape:    []int64{4, 3},
		Chunks:   [][]int64{{2, 2}, {3}},
	}
	a, err := NewArrayWithStructure(arr, nil)
	require.NoError(t, err)

	t.Run("starts zero filled", func(t *testing.T) {
		got, err := a.ReadBlock(ctx, []int{0, 0}, nil)
		require.NoError(t, err)
		values, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, make([]float64, 6), values)
	})

	t.Run("block write and read", func(t *testing.T) {
		block, err := structure.FromFloat64s([]int64{2, 3}, ramp(6))
		require.NoError(t, err)
		require.NoError(t, a.WriteBlock(ctx, block, []int{1, 0}))

		got, err := a.ReadBlock(ctx, []int{1, 0}, nil)
		require.NoError(t, err)
		values, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, ramp(6), values)

		// Rows 2:4 of the full array hold the block.
		full, err := a.Read(ctx, nil)
		require.NoError(t, err)
		all, err := full.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, make([]float64, 6), all[:6])
		assert.Equal(t, ramp(6), all[6:])
	})

	t.Run("block slices", func(t *testing.T) {
		slices, err := structure.ParseSlices("0,1:3")
		require.NoError(t, err)
		got, err := a.ReadBlock(ctx, []int{1, 0}, slices)
		require.NoError(t, err)
		values, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, values)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := a.ReadBlock(ctx, []int{2, 0}, nil)
		assert.ErrorIs(t, err, adapter.ErrBlockOutOfRange)
		block, err := structure.FromFloat64s([]int64{2, 3}, ramp(6))
		require.NoError(t, err)
		assert.ErrorIs(t, a.WriteBlock(ctx, block, []int{0, 7}), adapter.ErrBlockOutOfRange)
	})

	t.Run("block shape mismatch", func(t *testing.T) {
		bad, err := structure.FromFloat64s([]int64{3, 2}, ramp(6))
		require.NoError(t, err)
		assert.ErrorIs(t, a.WriteBlock(ctx, bad, []int{0, 0}), adapter.ErrShapeMismatch)
	})
}
