// Package tabledir stores a partitioned table as a directory of msgpack
// files, one per partition. Cell values keep their types across the round
// trip, which CSV would flatten to text.
package tabledir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Mimetype is the registered mimetype of this adapter.
const Mimetype = "application/x-trellis-table"

func init() {
	adapter.Register(Mimetype, New)
}

// partitionFile is the on-disk form of one partition.
type partitionFile struct {
	Columns []string         `msgpack:"columns"`
	Data    map[string][]any `msgpack:"data"`
}

// Adapter reads and writes one partitioned table under a directory.
type Adapter struct {
	root     string
	table    structure.TableStructure
	metadata map[string]any
}

// New instantiates the adapter from a stored node description.
func New(ctx context.Context, node adapter.NodeInfo) (adapter.Adapter, error) {
	table, ok := node.Structure.Table()
	if !ok {
		return nil, fmt.Errorf("%s requires a table structure", Mimetype)
	}
	root, err := adapter.DataURIPath(node.DataSource)
	if err != nil {
		return nil, err
	}
	return &Adapter{root: root, table: *table, metadata: node.Metadata}, nil
}

func (a *Adapter) StructureFamily() structure.Family {
	return structure.FamilyTable
}

func (a *Adapter) Structure() structure.Structure {
	return structure.FromTable(a.table)
}

func (a *Adapter) Metadata() map[string]any {
	return a.metadata
}

func (a *Adapter) partitionPath(partition int) string {
	return filepath.Join(a.root, fmt.Sprintf("partition-%d.msgpack", partition))
}

func (a *Adapter) checkPartition(partition int) error {
	if partition < 0 || partition >= a.table.NPartitions {
		return fmt.Errorf("%w: partition %d of a table with %d", adapter.ErrBlockOutOfRange, partition, a.table.NPartitions)
	}
	return nil
}

// emptyPartition is what an unwritten partition reads as.
func (a *Adapter) emptyPartition() *structure.TablePayload {
	data := make(map[string][]any, len(a.table.Columns))
	for _, col := range a.table.Columns {
		data[col] = nil
	}
	return &structure.TablePayload{
		Columns: append([]string(nil), a.table.Columns...),
		Data:    data,
	}
}

func (a *Adapter) readPartition(partition int) (*structure.TablePayload, error) {
	raw, err := os.ReadFile(a.partitionPath(partition))
	if os.IsNotExist(err) {
		return a.emptyPartition(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %d: %w", partition, err)
	}
	var file partitionFile
	if err := msgpack.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("corrupt partition file %d: %w", partition, err)
	}
	return &structure.TablePayload{Columns: file.Columns, Data: file.Data}, nil
}

func (a *Adapter) writePartition(partition int, payload *structure.TablePayload) error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("failed to create table directory: %w", err)
	}
	raw, err := msgpack.Marshal(partitionFile{Columns: payload.Columns, Data: payload.Data})
	if err != nil {
		return fmt.Errorf("failed to encode partition %d: %w", partition, err)
	}
	if err := os.WriteFile(a.partitionPath(partition), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write partition %d: %w", partition, err)
	}
	return nil
}

// validate enforces that a written payload carries exactly the declared
// column set.
func (a *Adapter) validate(payload *structure.TablePayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	if len(payload.Columns) != len(a.table.Columns) {
		return fmt.Errorf("%w: payload has %d columns, table declares %d",
			adapter.ErrShapeMismatch, len(payload.Columns), len(a.table.Columns))
	}
	for _, col := range payload.Columns {
		if !a.table.HasColumn(col) {
			return fmt.Errorf("%w: column %q is not declared by the table", adapter.ErrShapeMismatch, col)
		}
	}
	return nil
}

// ReadPartition returns one partition, narrowed to columns when non-empty.
func (a *Adapter) ReadPartition(ctx context.Context, partition int, columns []string) (*structure.TablePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.checkPartition(partition); err != nil {
		return nil, err
	}
	payload, err := a.readPartition(partition)
	if err != nil {
		return nil, err
	}
	return payload.SelectColumns(columns)
}

// Read returns all partitions concatenated in order.
func (a *Adapter) Read(ctx context.Context, columns []string) (*structure.TablePayload, error) {
	var combined *structure.TablePayload
	for p := 0; p < a.table.NPartitions; p++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := a.ReadPartition(ctx, p, columns)
		if err != nil {
			return nil, err
		}
		if combined == nil {
			combined = payload
			continue
		}
		if err := combined.Append(payload); err != nil {
			return nil, err
		}
	}
	if combined == nil {
		combined = a.emptyPartition()
	}
	return combined, nil
}

// Write replaces the single partition of a one-partition table.
func (a *Adapter) Write(ctx context.Context, payload *structure.TablePayload) error {
	if a.table.NPartitions != 1 {
		return adapter.NewUnsupportedError(Mimetype, "write",
			fmt.Sprintf("table has %d partitions; write them individually", a.table.NPartitions))
	}
	return a.WritePartition(ctx, payload, 0)
}

// WritePartition replaces the numbered partition.
func (a *Adapter) WritePartition(ctx context.Context, payload *structure.TablePayload, partition int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.checkPartition(partition); err != nil {
		return err
	}
	if err := a.validate(payload); err != nil {
		return err
	}
	return a.writePartition(partition, payload)
}

// AppendPartition appends rows to the numbered partition.
func (a *Adapter) AppendPartition(ctx context.Context, payload *structure.TablePayload, partition int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.checkPartition(partition); err != nil {
		return err
	}
	if err := a.validate(payload); err != nil {
		return err
	}
	existing, err := a.readPartition(partition)
	if err != nil {
		return err
	}
	if err := existing.Append(payload); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrShapeMismatch, err)
	}
	return a.writePartition(partition, existing)
}
