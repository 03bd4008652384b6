package adapter

import (
	"context"
	"encoding/json"

	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Adapter is the base interface implemented by every data adapter. It
// describes a single node: its family, typed structure and free-form
// metadata. Read and write capabilities are separate interfaces discovered
// by type assertion.
type Adapter interface {
	StructureFamily() structure.Family
	Structure() structure.Structure
	Metadata() map[string]any
}

// ArrayReader serves N-dimensional array data.
type ArrayReader interface {
	Adapter

	// Read returns the assembled array narrowed by slices. A nil or empty
	// slice list selects the full array.
	Read(ctx context.Context, slices []structure.Slice) (*structure.ArrayPayload, error)

	// ReadBlock returns one chunk of the array, addressed by its index on
	// the chunk grid, narrowed by slices applied within the block.
	ReadBlock(ctx context.Context, block []int, slices []structure.Slice) (*structure.ArrayPayload, error)
}

// ArrayWriter accepts N-dimensional array data.
type ArrayWriter interface {
	Adapter

	// Write replaces the full array. The payload shape must match the
	// declared structure.
	Write(ctx context.Context, payload *structure.ArrayPayload) error

	// WriteBlock replaces one chunk, addressed by its index on the chunk
	// grid. The payload shape must match the block shape.
	WriteBlock(ctx context.Context, payload *structure.ArrayPayload, block []int) error
}

// TableReader serves partitioned tabular data.
type TableReader interface {
	Adapter

	// Read returns all partitions concatenated, narrowed to columns when
	// non-empty.
	Read(ctx context.Context, columns []string) (*structure.TablePayload, error)

	// ReadPartition returns a single partition, narrowed to columns when
	// non-empty.
	ReadPartition(ctx context.Context, partition int, columns []string) (*structure.TablePayload, error)
}

// TableWriter accepts partitioned tabular data.
type TableWriter interface {
	Adapter

	// Write replaces partition zero of a single-partition table.
	Write(ctx context.Context, payload *structure.TablePayload) error

	// WritePartition replaces the numbered partition.
	WritePartition(ctx context.Context, payload *structure.TablePayload, partition int) error

	// AppendPartition appends rows to the numbered partition.
	AppendPartition(ctx context.Context, payload *structure.TablePayload, partition int) error
}

// SparseReader serves COO sparse array data.
type SparseReader interface {
	Adapter

	// Read returns the coordinates and values of the full array.
	Read(ctx context.Context) (*structure.SparsePayload, error)

	// ReadBlock returns the coordinates and values of one chunk, addressed
	// by its index on the chunk grid. Coordinates are relative to the block
	// origin.
	ReadBlock(ctx context.Context, block []int) (*structure.SparsePayload, error)
}

// SparseWriter accepts COO sparse array data.
type SparseWriter interface {
	Adapter

	// Write replaces the full array with single-block data.
	Write(ctx context.Context, payload *structure.SparsePayload) error

	// WriteBlock replaces one chunk. Coordinates are relative to the block
	// origin.
	WriteBlock(ctx context.Context, payload *structure.SparsePayload, block []int) error
}

// AwkwardReader serves awkward-array buffers.
type AwkwardReader interface {
	Adapter

	// ReadBuffers returns the named buffers; an empty formKeys list selects
	// all of them.
	ReadBuffers(ctx context.Context, formKeys []string) (map[string][]byte, error)
}

// AwkwardWriter accepts awkward-array buffers.
type AwkwardWriter interface {
	Adapter

	// WriteBuffers replaces the stored form, length and buffer set.
	WriteBuffers(ctx context.Context, form json.RawMessage, length int64, buffers map[string][]byte) error
}

// Item pairs a child key with its instantiated adapter.
type Item struct {
	Key     string
	Adapter Adapter
}

// Container is implemented by nodes with children. Listings follow the
// container's sort order; offset/limit select a stable window of it.
type Container interface {
	Adapter

	// Lookup descends the given key path and returns the adapter for the
	// terminal node. A missing segment returns a NotFoundError.
	Lookup(ctx context.Context, segments []string) (Adapter, error)

	// KeysRange returns the child keys in [offset, offset+limit).
	KeysRange(ctx context.Context, offset, limit int) ([]string, error)

	// ItemsRange returns the children in [offset, offset+limit).
	ItemsRange(ctx context.Context, offset, limit int) ([]Item, error)

	// Len returns the exact number of children.
	Len(ctx context.Context) (int64, error)

	// LenLowerBound counts children up to threshold. When the container
	// holds more, it stops early and returns the partial count with
	// exact=false.
	LenLowerBound(ctx context.Context, threshold int64) (count int64, exact bool, err error)

	// Search returns a view of this container narrowed by the query.
	Search(ctx context.Context, q query.Query) (Container, error)

	// Sort returns a view of this container ordered by the given keys.
	Sort(ctx context.Context, keys []structure.SortKey) (Container, error)
}
