package structure

import "fmt"

// SparseStructure describes an N-dimensional sparse array in COO layout:
// a coordinates matrix of shape (ndim, nnz) plus a values vector of length
// nnz, chunked on the same grid rules as dense arrays.
type SparseStructure struct {
	Shape     []int64   `json:"shape"`
	Chunks    [][]int64 `json:"chunks"`
	DataType  DType     `json:"data_type"`
	CoordType DType     `json:"coord_data_type"`
	Dims      []string  `json:"dims,omitempty"`
}

// NewSparseStructure builds a single-chunk COO structure with int64
// coordinates.
func NewSparseStructure(dt DType, shape []int64) SparseStructure {
	chunks := make([][]int64, len(shape))
	for i, extent := range shape {
		chunks[i] = []int64{extent}
	}
	return SparseStructure{Shape: shape, Chunks: chunks, DataType: dt, CoordType: Int64()}
}

// Validate enforces the same chunk-coverage rule as dense arrays plus
// numeric coordinate types.
func (s SparseStructure) Validate() error {
	if err := s.DataType.Validate(); err != nil {
		return fmt.Errorf("data type: %w", err)
	}
	if err := s.CoordType.Validate(); err != nil {
		return fmt.Errorf("coord type: %w", err)
	}
	if s.CoordType.Kind != KindInt && s.CoordType.Kind != KindUint {
		return fmt.Errorf("coord type must be integral, got kind %q", s.CoordType.Kind)
	}
	dense := ArrayStructure{DataType: s.DataType, Shape: s.Shape, Chunks: s.Chunks}
	return dense.Validate()
}

// BlockShape returns the dense extents of the chunk at the given grid index.
func (s SparseStructure) BlockShape(block []int) ([]int64, error) {
	dense := ArrayStructure{DataType: s.DataType, Shape: s.Shape, Chunks: s.Chunks}
	return dense.BlockShape(block)
}
