// Package blockdir stores a chunked N-dimensional array as a directory of
// raw block files, one per chunk-grid cell, named by the dot-joined grid
// index ("0.0"). Blocks never written read back as zeros.
package blockdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Mimetype is the registered mimetype of this adapter.
const Mimetype = "application/x-trellis-array"

func init() {
	adapter.Register(Mimetype, New)
}

// Adapter reads and writes one chunked array under a directory.
type Adapter struct {
	root     string
	array    structure.ArrayStructure
	metadata map[string]any
}

// New instantiates the adapter from a stored node description.
func New(ctx context.Context, node adapter.NodeInfo) (adapter.Adapter, error) {
	arr, ok := node.Structure.Array()
	if !ok {
		return nil, fmt.Errorf("%s requires an array structure", Mimetype)
	}
	root, err := adapter.DataURIPath(node.DataSource)
	if err != nil {
		return nil, err
	}
	return &Adapter{root: root, array: *arr, metadata: node.Metadata}, nil
}

func (a *Adapter) StructureFamily() structure.Family {
	return structure.FamilyArray
}

func (a *Adapter) Structure() structure.Structure {
	return structure.FromArray(a.array)
}

func (a *Adapter) Metadata() map[string]any {
	return a.metadata
}

// blockPath names the file of one chunk, e.g. root/2.1 for block (2, 1).
func (a *Adapter) blockPath(block []int) string {
	parts := make([]string, len(block))
	for i, b := range block {
		parts[i] = strconv.Itoa(b)
	}
	return filepath.Join(a.root, strings.Join(parts, "."))
}

func (a *Adapter) gridShape() []int64 {
	grid := a.array.GridShape()
	out := make([]int64, len(grid))
	for i, g := range grid {
		out[i] = int64(g)
	}
	return out
}

// readBlock loads one chunk, substituting zeros for an absent file.
func (a *Adapter) readBlock(block []int) (*structure.ArrayPayload, error) {
	shape, err := a.array.BlockShape(block)
	if err != nil {
		return nil, adapter.NewBlockRangeError(block, a.gridShape())
	}
	payload := &structure.ArrayPayload{DataType: a.array.DataType, Shape: shape}

	data, err := os.ReadFile(a.blockPath(block))
	if os.IsNotExist(err) {
		payload.Data = make([]byte, payload.NumElements()*a.array.DataType.ItemSize)
		return payload, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %v: %w", block, err)
	}
	payload.Data = data
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt block file %v: %w", block, err)
	}
	return payload, nil
}

// Read assembles the full array from its blocks and narrows it by slices.
func (a *Adapter) Read(ctx context.Context, slices []structure.Slice) (*structure.ArrayPayload, error) {
	full := &structure.ArrayPayload{
		DataType: a.array.DataType,
		Shape:    append([]int64(nil), a.array.Shape...),
	}
	full.Data = make([]byte, full.NumElements()*a.array.DataType.ItemSize)

	for _, block := range a.array.Blocks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := a.readBlock(block)
		if err != nil {
			return nil, err
		}
		offset, err := a.array.BlockOffset(block)
		if err != nil {
			return nil, err
		}
		if err := payload.CopyInto(full, offset); err != nil {
			return nil, err
		}
	}
	return full.Extract(slices)
}

// ReadBlock returns one chunk, narrowed by slices applied within it.
func (a *Adapter) ReadBlock(ctx context.Context, block []int, slices []structure.Slice) (*structure.ArrayPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := a.readBlock(block)
	if err != nil {
		return nil, err
	}
	return payload.Extract(slices)
}

// Write replaces the full array, splitting the payload across block files.
func (a *Adapter) Write(ctx context.Context, payload *structure.ArrayPayload) error {
	if err := shapesEqual(payload.Shape, a.array.Shape); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	for _, block := range a.array.Blocks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		shape, err := a.array.BlockShape(block)
		if err != nil {
			return err
		}
		offset, err := a.array.BlockOffset(block)
		if err != nil {
			return err
		}
		region, err := payload.Extract(structure.RegionSlices(offset, shape))
		if err != nil {
			return err
		}
		if err := a.writeBlockFile(block, region); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlock replaces one chunk. The payload shape must match the block
// shape exactly.
func (a *Adapter) WriteBlock(ctx context.Context, payload *structure.ArrayPayload, block []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shape, err := a.array.BlockShape(block)
	if err != nil {
		return adapter.NewBlockRangeError(block, a.gridShape())
	}
	if err := shapesEqual(payload.Shape, shape); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	return a.writeBlockFile(block, payload)
}

func (a *Adapter) writeBlockFile(block []int, payload *structure.ArrayPayload) error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("failed to create block directory: %w", err)
	}
	if err := os.WriteFile(a.blockPath(block), payload.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write block %v: %w", block, err)
	}
	return nil
}

func shapesEqual(got, want []int64) error {
	if len(got) != len(want) {
		return fmt.Errorf("payload has shape %v, expected %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("payload has shape %v, expected %v", got, want)
		}
	}
	return nil
}
