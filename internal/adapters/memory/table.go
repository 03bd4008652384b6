package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Table holds one partitioned table in memory.
type Table struct {
	mu         sync.RWMutex
	table      structure.TableStructure
	metadata   map[string]any
	specs      []structure.Spec
	partitions []*structure.TablePayload
}

// NewTable wraps a payload as a single-partition table.
func NewTable(payload *structure.TablePayload, metadata map[string]any) (*Table, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		table:      structure.NewTableStructure(append([]string(nil), payload.Columns...)),
		metadata:   metadata,
		partitions: make([]*structure.TablePayload, 1),
	}
	t.partitions[0] = copyPayload(payload)
	return t, nil
}

// NewTableWithStructure allocates an empty table with the given partition
// layout.
func NewTableWithStructure(table structure.TableStructure, metadata map[string]any) (*Table, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Table{
		table:      table,
		metadata:   metadata,
		partitions: make([]*structure.TablePayload, table.NPartitions),
	}, nil
}

func (t *Table) StructureFamily() structure.Family {
	return structure.FamilyTable
}

// Structure reports the declared layout with row counts observed from the
// stored partitions.
func (t *Table) Structure() structure.Structure {
	t.mu.RLock()
	defer t.mu.RUnlock()
	table := t.table
	table.RowCounts = make([]int64, len(t.partitions))
	table.Length = 0
	for i, p := range t.partitions {
		if p != nil {
			table.RowCounts[i] = int64(p.NumRows())
		}
		table.Length += table.RowCounts[i]
	}
	return structure.FromTable(table)
}

func (t *Table) Metadata() map[string]any {
	return t.metadata
}

// Specs returns the validation specs declared for this table.
func (t *Table) Specs() []structure.Spec {
	return t.specs
}

// SetSpecs declares validation specs, visible to spec queries.
func (t *Table) SetSpecs(specs []structure.Spec) {
	t.specs = specs
}

func (t *Table) checkPartition(partition int) error {
	if partition < 0 || partition >= t.table.NPartitions {
		return fmt.Errorf("%w: partition %d of a table with %d", adapter.ErrBlockOutOfRange, partition, t.table.NPartitions)
	}
	return nil
}

func (t *Table) emptyPartition() *structure.TablePayload {
	data := make(map[string][]any, len(t.table.Columns))
	for _, col := range t.table.Columns {
		data[col] = nil
	}
	return &structure.TablePayload{
		Columns: append([]string(nil), t.table.Columns...),
		Data:    data,
	}
}

// validate enforces that a written payload carries exactly the declared
// column set.
func (t *Table) validate(payload *structure.TablePayload) error {
	if err := payload.Validate(); err != nil {
		return wrapShapeMismatch(err)
	}
	if len(payload.Columns) != len(t.table.Columns) {
		return wrapShapeMismatch(fmt.Errorf("payload has %d columns, table declares %d",
			len(payload.Columns), len(t.table.Columns)))
	}
	for _, col := range payload.Columns {
		if !t.table.HasColumn(col) {
			return wrapShapeMismatch(fmt.Errorf("column %q is not declared by the table", col))
		}
	}
	return nil
}

// Read returns all partitions concatenated, narrowed to columns when
// non-empty.
func (t *Table) Read(ctx context.Context, columns []string) (*structure.TablePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	combined, err := t.emptyPartition().SelectColumns(columns)
	if err != nil {
		return nil, err
	}
	for _, p := range t.partitions {
		if p == nil {
			continue
		}
		selected, err := p.SelectColumns(columns)
		if err != nil {
			return nil, err
		}
		if err := combined.Append(selected); err != nil {
			return nil, err
		}
	}
	return combined, nil
}

// ReadPartition returns one partition, narrowed to columns when non-empty.
func (t *Table) ReadPartition(ctx context.Context, partition int, columns []string) (*structure.TablePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.checkPartition(partition); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.partitions[partition]
	if p == nil {
		p = t.emptyPartition()
	}
	return copyPayload(p).SelectColumns(columns)
}

// Write replaces the single partition of a one-partition table.
func (t *Table) Write(ctx context.Context, payload *structure.TablePayload) error {
	if t.table.NPartitions != 1 {
		return adapter.NewUnsupportedError("memory table", "write",
			fmt.Sprintf("table has %d partitions; write them individually", t.table.NPartitions))
	}
	return t.WritePartition(ctx, payload, 0)
}

// WritePartition replaces the numbered partition.
func (t *Table) WritePartition(ctx context.Context, payload *structure.TablePayload, partition int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.checkPartition(partition); err != nil {
		return err
	}
	if err := t.validate(payload); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[partition] = copyPayload(payload)
	return nil
}

// AppendPartition appends rows to the numbered partition.
func (t *Table) AppendPartition(ctx context.Context, payload *structure.TablePayload, partition int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.checkPartition(partition); err != nil {
		return err
	}
	if err := t.validate(payload); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.partitions[partition]
	if existing == nil {
		existing = t.emptyPartition()
		t.partitions[partition] = existing
	}
	if err := existing.Append(payload); err != nil {
		return wrapShapeMismatch(err)
	}
	return nil
}

// copyPayload clones a table payload so stored partitions never alias
// caller memory.
func copyPayload(p *structure.TablePayload) *structure.TablePayload {
	out := &structure.TablePayload{
		Columns: append([]string(nil), p.Columns...),
		Data:    make(map[string][]any, len(p.Data)),
	}
	for col, values := range p.Data {
		out.Data[col] = append([]any(nil), values...)
	}
	return out
}
