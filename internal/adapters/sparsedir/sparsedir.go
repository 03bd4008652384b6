// Package sparsedir stores a chunked COO sparse array as a directory of
// block files. Each block file holds an entry count, the block-relative
// coordinates matrix in C order, and the values vector:
//
//	uint64 LE nnz | coords (ndim x nnz x coord itemsize) | values (nnz x itemsize)
//
// Blocks never written read back as empty.
package sparsedir

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Mimetype is the registered mimetype of this adapter.
const Mimetype = "application/x-trellis-sparse"

func init() {
	adapter.Register(Mimetype, New)
}

// Adapter reads and writes one COO sparse array under a directory.
type Adapter struct {
	root     string
	sparse   structure.SparseStructure
	metadata map[string]any
}

// New instantiates the adapter from a stored node description.
func New(ctx context.Context, node adapter.NodeInfo) (adapter.Adapter, error) {
	sparse, ok := node.Structure.Sparse()
	if !ok {
		return nil, fmt.Errorf("%s requires a sparse structure", Mimetype)
	}
	root, err := adapter.DataURIPath(node.DataSource)
	if err != nil {
		return nil, err
	}
	return &Adapter{root: root, sparse: *sparse, metadata: node.Metadata}, nil
}

func (a *Adapter) StructureFamily() structure.Family {
	return structure.FamilySparse
}

func (a *Adapter) Structure() structure.Structure {
	return structure.FromSparse(a.sparse)
}

func (a *Adapter) Metadata() map[string]any {
	return a.metadata
}

// dense returns the array structure that carries the chunk grid.
func (a *Adapter) dense() structure.ArrayStructure {
	return structure.ArrayStructure{DataType: a.sparse.DataType, Shape: a.sparse.Shape, Chunks: a.sparse.Chunks}
}

func (a *Adapter) gridShape() []int64 {
	grid := a.dense().GridShape()
	out := make([]int64, len(grid))
	for i, g := range grid {
		out[i] = int64(g)
	}
	return out
}

func (a *Adapter) blockPath(block []int) string {
	parts := make([]string, len(block))
	for i, b := range block {
		parts[i] = strconv.Itoa(b)
	}
	return filepath.Join(a.root, strings.Join(parts, "."))
}

func (a *Adapter) emptyBlock() *structure.SparsePayload {
	ndim := int64(len(a.sparse.Shape))
	return &structure.SparsePayload{
		Coords: &structure.ArrayPayload{DataType: a.sparse.CoordType, Shape: []int64{ndim, 0}, Data: []byte{}},
		Data:   &structure.ArrayPayload{DataType: a.sparse.DataType, Shape: []int64{0}, Data: []byte{}},
	}
}

func (a *Adapter) readBlock(block []int) (*structure.SparsePayload, error) {
	if _, err := a.dense().BlockShape(block); err != nil {
		return nil, adapter.NewBlockRangeError(block, a.gridShape())
	}
	raw, err := os.ReadFile(a.blockPath(block))
	if os.IsNotExist(err) {
		return a.emptyBlock(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %v: %w", block, err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("corrupt block file %v: truncated header", block)
	}
	nnz := int64(binary.LittleEndian.Uint64(raw))
	ndim := int64(len(a.sparse.Shape))
	coordBytes := ndim * nnz * a.sparse.CoordType.ItemSize
	dataBytes := nnz * a.sparse.DataType.ItemSize
	if int64(len(raw)) != 8+coordBytes+dataBytes {
		return nil, fmt.Errorf("corrupt block file %v: %d bytes, expected %d for %d entries",
			block, len(raw), 8+coordBytes+dataBytes, nnz)
	}
	return &structure.SparsePayload{
		Coords: &structure.ArrayPayload{DataType: a.sparse.CoordType, Shape: []int64{ndim, nnz}, Data: raw[8 : 8+coordBytes]},
		Data:   &structure.ArrayPayload{DataType: a.sparse.DataType, Shape: []int64{nnz}, Data: raw[8+coordBytes:]},
	}, nil
}

// ReadBlock returns the entries of one chunk, coordinates relative to the
// block origin.
func (a *Adapter) ReadBlock(ctx context.Context, block []int) (*structure.SparsePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.readBlock(block)
}

// Read assembles all blocks, shifting each block's coordinates by its
// origin so the result addresses the full array.
func (a *Adapter) Read(ctx context.Context) (*structure.SparsePayload, error) {
	dense := a.dense()
	blocks := dense.Blocks()
	payloads := make([]*structure.SparsePayload, 0, len(blocks))
	offsets := make([][]int64, 0, len(blocks))
	var total int64
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := a.readBlock(block)
		if err != nil {
			return nil, err
		}
		offset, err := dense.BlockOffset(block)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
		offsets = append(offsets, offset)
		total += payload.Data.Shape[0]
	}

	ndim := int64(len(a.sparse.Shape))
	coordItem := a.sparse.CoordType.ItemSize
	dataItem := a.sparse.DataType.ItemSize
	combined := &structure.SparsePayload{
		Coords: &structure.ArrayPayload{DataType: a.sparse.CoordType, Shape: []int64{ndim, total}, Data: make([]byte, ndim*total*coordItem)},
		Data:   &structure.ArrayPayload{DataType: a.sparse.DataType, Shape: []int64{total}, Data: make([]byte, total*dataItem)},
	}

	var base int64
	for i, payload := range payloads {
		nnz := payload.Data.Shape[0]
		if nnz == 0 {
			continue
		}
		for d := int64(0); d < ndim; d++ {
			for n := int64(0); n < nnz; n++ {
				src := (d*nnz + n) * coordItem
				v, err := a.sparse.CoordType.AsFloat64(payload.Coords.Data[src : src+coordItem])
				if err != nil {
					return nil, err
				}
				dst := (d*total + base + n) * coordItem
				if err := a.sparse.CoordType.PutFloat64(combined.Coords.Data[dst:dst+coordItem], v+float64(offsets[i][d])); err != nil {
					return nil, err
				}
			}
		}
		copy(combined.Data.Data[base*dataItem:], payload.Data.Data)
		base += nnz
	}
	return combined, nil
}

// Write replaces the origin block. Coordinates address the full array only
// when the structure has a single chunk.
func (a *Adapter) Write(ctx context.Context, payload *structure.SparsePayload) error {
	return a.WriteBlock(ctx, payload, make([]int, len(a.sparse.Shape)))
}

// WriteBlock replaces one chunk with block-relative entries.
func (a *Adapter) WriteBlock(ctx context.Context, payload *structure.SparsePayload, block []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blockShape, err := a.dense().BlockShape(block)
	if err != nil {
		return adapter.NewBlockRangeError(block, a.gridShape())
	}
	if err := a.validate(payload, blockShape); err != nil {
		return err
	}

	nnz := payload.Data.Shape[0]
	buf := make([]byte, 8+len(payload.Coords.Data)+len(payload.Data.Data))
	binary.LittleEndian.PutUint64(buf, uint64(nnz))
	copy(buf[8:], payload.Coords.Data)
	copy(buf[8+len(payload.Coords.Data):], payload.Data.Data)

	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("failed to create sparse directory: %w", err)
	}
	if err := os.WriteFile(a.blockPath(block), buf, 0o644); err != nil {
		return fmt.Errorf("failed to write block %v: %w", block, err)
	}
	return nil
}

func (a *Adapter) validate(payload *structure.SparsePayload, blockShape []int64) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	ndim := int64(len(a.sparse.Shape))
	if payload.Coords.Shape[0] != ndim {
		return fmt.Errorf("%w: coords describe %d axes but array has %d",
			adapter.ErrShapeMismatch, payload.Coords.Shape[0], ndim)
	}
	if payload.Coords.DataType.ItemSize != a.sparse.CoordType.ItemSize {
		return fmt.Errorf("%w: coord itemsize %d, structure declares %d",
			adapter.ErrShapeMismatch, payload.Coords.DataType.ItemSize, a.sparse.CoordType.ItemSize)
	}
	if payload.Data.DataType.ItemSize != a.sparse.DataType.ItemSize {
		return fmt.Errorf("%w: value itemsize %d, structure declares %d",
			adapter.ErrShapeMismatch, payload.Data.DataType.ItemSize, a.sparse.DataType.ItemSize)
	}
	nnz := payload.Data.Shape[0]
	coordItem := payload.Coords.DataType.ItemSize
	for d := int64(0); d < ndim; d++ {
		for n := int64(0); n < nnz; n++ {
			src := (d*nnz + n) * coordItem
			v, err := payload.Coords.DataType.AsFloat64(payload.Coords.Data[src : src+coordItem])
			if err != nil {
				return err
			}
			if v < 0 || int64(v) >= blockShape[d] {
				return fmt.Errorf("%w: coordinate %d on axis %d outside block extent %d",
					adapter.ErrShapeMismatch, int64(v), d, blockShape[d])
			}
		}
	}
	return nil
}
