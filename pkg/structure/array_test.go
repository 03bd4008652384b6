package structure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayStructureValidate(t *testing.T) {
	t.Run("chunks must cover the shape", func(t *testing.T) {
		a := ArrayStructure{
			DataType: Float64(),
			Shape:    []int64{50, 30},
			Chunks:   [][]int64{{20, 20, 10}, {15, 15}},
		}
		assert.NoError(t, a.Validate())

		a.Chunks = [][]int64{{20, 20}, {15, 15}}
		assert.Error(t, a.Validate())
	})

	t.Run("non-positive chunk extents fail", func(t *testing.T) {
		a := ArrayStructure{
			DataType: Float64(),
			Shape:    []int64{10},
			Chunks:   [][]int64{{10, 0}},
		}
		assert.Error(t, a.Validate())
	})

	t.Run("single-chunk constructor", func(t *testing.T) {
		a := NewArrayStructure(Int64(), []int64{4, 6})
		require.NoError(t, a.Validate())
		assert.Equal(t, [][]int64{{4}, {6}}, a.Chunks)
		assert.Equal(t, int64(24*8), a.ByteSize())
	})
}

func TestBlockShape(t *testing.T) {
	a := ArrayStructure{
		DataType: Float64(),
		Shape:    []int64{50, 30},
		Chunks:   [][]int64{{20, 20, 10}, {15, 15}},
	}
	require.NoError(t, a.Validate())

	t.Run("every block in the grid reports its extents", func(t *testing.T) {
		shape, err := a.BlockShape([]int{2, 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 15}, shape)

		shape, err = a.BlockShape([]int{0, 0})
		require.NoError(t, err)
		assert.Equal(t, []int64{20, 15}, shape)
	})

	t.Run("out-of-grid block index fails", func(t *testing.T) {
		_, err := a.BlockShape([]int{3, 0})
		assert.Error(t, err)
		_, err = a.BlockShape([]int{0, 2})
		assert.Error(t, err)
		_, err = a.BlockShape([]int{-1, 0})
		assert.Error(t, err)
	})

	t.Run("block offsets accumulate prior extents", func(t *testing.T) {
		offset, err := a.BlockOffset([]int{2, 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{40, 15}, offset)
	})

	t.Run("grid enumeration covers every block", func(t *testing.T) {
		blocks := a.Blocks()
		assert.Len(t, blocks, 6)
		assert.Equal(t, []int{0, 0}, blocks[0])
		assert.Equal(t, []int{2, 1}, blocks[5])
	})
}

func TestArrayPayloadExtract(t *testing.T) {
	// 4x5 array of sequential values 0..19.
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(i)
	}
	payload, err := FromFloat64s([]int64{4, 5}, values)
	require.NoError(t, err)

	t.Run("range slice keeps axes", func(t *testing.T) {
		slices, err := ParseSlices("2:3,0:5")
		require.NoError(t, err)
		got, err := payload.Extract(slices)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 5}, got.Shape)
		decoded, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{10, 11, 12, 13, 14}, decoded)
	})

	t.Run("integer index drops the axis", func(t *testing.T) {
		slices, err := ParseSlices("1")
		require.NoError(t, err)
		got, err := payload.Extract(slices)
		require.NoError(t, err)
		assert.Equal(t, []int64{5}, got.Shape)
		decoded, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{5, 6, 7, 8, 9}, decoded)
	})

	t.Run("stepped range", func(t *testing.T) {
		slices, err := ParseSlices("::2,::2")
		require.NoError(t, err)
		got, err := payload.Extract(slices)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, got.Shape)
		decoded, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 2, 4, 10, 12, 14}, decoded)
	})

	t.Run("mean over whole axis", func(t *testing.T) {
		slices, err := ParseSlices("::mean,:")
		require.NoError(t, err)
		got, err := payload.Extract(slices)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 5}, got.Shape)
		decoded, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{7.5, 8.5, 9.5, 10.5, 11.5}, decoded)
	})

	t.Run("binned mean", func(t *testing.T) {
		slices, err := ParseSlices("::mean(2),0")
		require.NoError(t, err)
		got, err := payload.Extract(slices)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, got.Shape)
		decoded, err := got.Float64Values()
		require.NoError(t, err)
		assert.Equal(t, []float64{2.5, 12.5}, decoded)
	})
}

func TestArrayPayloadCopyInto(t *testing.T) {
	dst, err := FromFloat64s([]int64{4, 4}, make([]float64, 16))
	require.NoError(t, err)
	src, err := FromFloat64s([]int64{2, 2}, []float64{1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, src.CopyInto(dst, []int64{1, 2}))
	decoded, err := dst.Float64Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{
		0, 0, 0, 0,
		0, 0, 1, 2,
		0, 0, 3, 4,
		0, 0, 0, 0,
	}, decoded)

	t.Run("out-of-bounds placement fails", func(t *testing.T) {
		assert.Error(t, src.CopyInto(dst, []int64{3, 3}))
	})
}
