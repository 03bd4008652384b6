// Package memory provides adapters backed by process memory. They serve
// ephemeral trees assembled in code and the test suites of components that
// consume the adapter interfaces.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Array holds one dense array in memory.
type Array struct {
	mu       sync.RWMutex
	array    structure.ArrayStructure
	metadata map[string]any
	specs    []structure.Spec
	data     []byte
}

// NewArray wraps a payload as a single-chunk array.
func NewArray(payload *structure.ArrayPayload, metadata map[string]any) (*Array, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &Array{
		array:    structure.NewArrayStructure(payload.DataType, append([]int64(nil), payload.Shape...)),
		metadata: metadata,
		data:     append([]byte(nil), payload.Data...),
	}, nil
}

// NewArrayWithStructure allocates a zero-filled array with the given chunk
// grid.
func NewArrayWithStructure(arr structure.ArrayStructure, metadata map[string]any) (*Array, error) {
	if err := arr.Validate(); err != nil {
		return nil, err
	}
	return &Array{array: arr, metadata: metadata, data: make([]byte, arr.ByteSize())}, nil
}

func (a *Array) StructureFamily() structure.Family {
	return structure.FamilyArray
}

func (a *Array) Structure() structure.Structure {
	return structure.FromArray(a.array)
}

func (a *Array) Metadata() map[string]any {
	return a.metadata
}

// Specs returns the validation specs declared for this array.
func (a *Array) Specs() []structure.Spec {
	return a.specs
}

// SetSpecs declares validation specs, visible to spec queries.
func (a *Array) SetSpecs(specs []structure.Spec) {
	a.specs = specs
}

// full returns a payload view over the backing buffer. Callers hold the
// lock and must not retain the view past it.
func (a *Array) full() *structure.ArrayPayload {
	return &structure.ArrayPayload{DataType: a.array.DataType, Shape: a.array.Shape, Data: a.data}
}

// Read returns the array narrowed by slices.
func (a *Array) Read(ctx context.Context, slices []structure.Slice) (*structure.ArrayPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.full().Extract(slices)
}

// ReadBlock returns one chunk, narrowed by slices applied within it.
func (a *Array) ReadBlock(ctx context.Context, block []int, slices []structure.Slice) (*structure.ArrayPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shape, err := a.array.BlockShape(block)
	if err != nil {
		return nil, adapter.NewBlockRangeError(block, gridShape(a.array))
	}
	offset, err := a.array.BlockOffset(block)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	payload, err := a.full().Extract(structure.RegionSlices(offset, shape))
	if err != nil {
		return nil, err
	}
	return payload.Extract(slices)
}

// Write replaces the full array.
func (a *Array) Write(ctx context.Context, payload *structure.ArrayPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := shapesEqual(payload.Shape, a.array.Shape); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return wrapShapeMismatch(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.data, payload.Data)
	return nil
}

// WriteBlock replaces one chunk.
func (a *Array) WriteBlock(ctx context.Context, payload *structure.ArrayPayload, block []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shape, err := a.array.BlockShape(block)
	if err != nil {
		return adapter.NewBlockRangeError(block, gridShape(a.array))
	}
	if err := shapesEqual(payload.Shape, shape); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return wrapShapeMismatch(err)
	}
	offset, err := a.array.BlockOffset(block)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return payload.CopyInto(a.full(), offset)
}

func gridShape(arr structure.ArrayStructure) []int64 {
	grid := arr.GridShape()
	out := make([]int64, len(grid))
	for i, g := range grid {
		out[i] = int64(g)
	}
	return out
}

func shapesEqual(got, want []int64) error {
	if len(got) != len(want) {
		return wrapShapeMismatch(fmt.Errorf("payload has shape %v, expected %v", got, want))
	}
	for i := range got {
		if got[i] != want[i] {
			return wrapShapeMismatch(fmt.Errorf("payload has shape %v, expected %v", got, want))
		}
	}
	return nil
}

func wrapShapeMismatch(err error) error {
	return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
}
