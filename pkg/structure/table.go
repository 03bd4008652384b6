package structure

import "fmt"

// TableStructure describes partitioned tabular data. The Arrow schema is
// carried as an opaque base64 blob produced by whichever writer registered
// the table; the core only needs the column names and partition layout.
type TableStructure struct {
	ArrowSchema string    `json:"arrow_schema,omitempty"`
	NPartitions int       `json:"npartitions"`
	Columns     []string  `json:"columns"`
	RowCounts   []int64   `json:"row_counts,omitempty"`
	Length      int64     `json:"length,omitempty"`
	SortColumns []SortKey `json:"sort_columns,omitempty"`
}

// NewTableStructure builds a single-partition structure over the given
// columns.
func NewTableStructure(columns []string) TableStructure {
	return TableStructure{NPartitions: 1, Columns: columns}
}

// Validate enforces partition consistency: a positive partition count,
// unique column names, and row counts (when present) matching both the
// partition count and the reported length.
func (t TableStructure) Validate() error {
	if t.NPartitions <= 0 {
		return fmt.Errorf("table must have at least one partition, got %d", t.NPartitions)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" {
			return fmt.Errorf("table column with empty name")
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate table column %q", c)
		}
		seen[c] = struct{}{}
	}
	if len(t.RowCounts) > 0 {
		if len(t.RowCounts) != t.NPartitions {
			return fmt.Errorf("row_counts has %d entries but table has %d partitions", len(t.RowCounts), t.NPartitions)
		}
		var sum int64
		for i, n := range t.RowCounts {
			if n < 0 {
				return fmt.Errorf("row_counts[%d] is negative", i)
			}
			sum += n
		}
		if t.Length > 0 && sum != t.Length {
			return fmt.Errorf("row_counts sum to %d but length is %d", sum, t.Length)
		}
	}
	return nil
}

// HasColumn reports whether the table declares the named column.
func (t TableStructure) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}
