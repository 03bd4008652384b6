package structure

import (
	"fmt"
)

// ArrayStructure describes an N-dimensional array: its element type, its
// overall shape, and the chunk grid that partitions it for block access.
// Chunks holds one inner slice per axis enumerating the chunk extents along
// that axis, so sum(Chunks[i]) == Shape[i] always holds.
type ArrayStructure struct {
	DataType  DType     `json:"data_type"`
	Shape     []int64   `json:"shape"`
	Chunks    [][]int64 `json:"chunks"`
	Dims      []string  `json:"dims,omitempty"`
	Resizable bool      `json:"resizable,omitempty"`
}

// NewArrayStructure builds a single-chunk structure for the given shape,
// the default when a writer does not specify a chunk grid.
func NewArrayStructure(dt DType, shape []int64) ArrayStructure {
	chunks := make([][]int64, len(shape))
	for i, extent := range shape {
		chunks[i] = []int64{extent}
	}
	return ArrayStructure{DataType: dt, Shape: shape, Chunks: chunks}
}

// Validate enforces chunk consistency: every axis must be fully covered by
// its chunk extents and every extent must be positive.
func (a ArrayStructure) Validate() error {
	if err := a.DataType.Validate(); err != nil {
		return err
	}
	if len(a.Chunks) != len(a.Shape) {
		return fmt.Errorf("chunk grid has %d axes but shape has %d", len(a.Chunks), len(a.Shape))
	}
	for i, extent := range a.Shape {
		if extent < 0 {
			return fmt.Errorf("shape[%d] is negative", i)
		}
		var sum int64
		for _, c := range a.Chunks[i] {
			if c <= 0 {
				return fmt.Errorf("chunks[%d] contains non-positive extent %d", i, c)
			}
			sum += c
		}
		if sum != extent {
			return fmt.Errorf("chunks[%d] sum to %d but shape[%d] is %d", i, sum, i, extent)
		}
	}
	if len(a.Dims) > 0 && len(a.Dims) != len(a.Shape) {
		return fmt.Errorf("dims has %d names but shape has %d axes", len(a.Dims), len(a.Shape))
	}
	return nil
}

// NumElements returns the total element count of the array.
func (a ArrayStructure) NumElements() int64 {
	n := int64(1)
	for _, extent := range a.Shape {
		n *= extent
	}
	return n
}

// ByteSize returns the total payload size of the full array.
func (a ArrayStructure) ByteSize() int64 {
	return a.NumElements() * a.DataType.ItemSize
}

// GridShape returns the number of blocks along each axis.
func (a ArrayStructure) GridShape() []int {
	grid := make([]int, len(a.Chunks))
	for i, axis := range a.Chunks {
		grid[i] = len(axis)
	}
	return grid
}

// BlockShape returns the extents of the block at the given grid index.
// Indices outside the grid are an error.
func (a ArrayStructure) BlockShape(block []int) ([]int64, error) {
	if len(block) != len(a.Chunks) {
		return nil, fmt.Errorf("block index has %d axes but array has %d", len(block), len(a.Chunks))
	}
	shape := make([]int64, len(block))
	for i, b := range block {
		if b < 0 || b >= len(a.Chunks[i]) {
			return nil, fmt.Errorf("block index %d out of range on axis %d (grid has %d blocks)", b, i, len(a.Chunks[i]))
		}
		shape[i] = a.Chunks[i][b]
	}
	return shape, nil
}

// BlockOffset returns the element offset of the block's origin along each
// axis, used to map a block onto the assembled array.
func (a ArrayStructure) BlockOffset(block []int) ([]int64, error) {
	if _, err := a.BlockShape(block); err != nil {
		return nil, err
	}
	offset := make([]int64, len(block))
	for i, b := range block {
		var sum int64
		for _, c := range a.Chunks[i][:b] {
			sum += c
		}
		offset[i] = sum
	}
	return offset, nil
}

// Blocks iterates every block index in the chunk grid in row-major order.
func (a ArrayStructure) Blocks() [][]int {
	grid := a.GridShape()
	total := 1
	for _, g := range grid {
		total *= g
	}
	if len(grid) == 0 || total == 0 {
		return nil
	}
	out := make([][]int, 0, total)
	idx := make([]int, len(grid))
	for {
		blk := make([]int, len(idx))
		copy(blk, idx)
		out = append(out, blk)
		axis := len(idx) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < grid[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return out
}
