// Package csvfile serves a comma-separated file registered in place as a
// single-partition table. The first row is the header; cells parse as
// numbers or booleans where possible and fall back to strings. Empty cells
// read as null.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Mimetype is the registered mimetype of this adapter.
const Mimetype = "text/csv"

func init() {
	adapter.Register(Mimetype, New)
	adapter.RegisterGenerator(Mimetype, Generate)
}

// Adapter reads one CSV file as a table.
type Adapter struct {
	path     string
	table    structure.TableStructure
	metadata map[string]any
}

// New instantiates the adapter from a stored node description.
func New(ctx context.Context, node adapter.NodeInfo) (adapter.Adapter, error) {
	table, ok := node.Structure.Table()
	if !ok {
		return nil, fmt.Errorf("%s requires a table structure", Mimetype)
	}
	path, err := adapter.DataURIPath(node.DataSource)
	if err != nil {
		return nil, err
	}
	return &Adapter{path: path, table: *table, metadata: node.Metadata}, nil
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

// Read returns the whole file, narrowed to columns when non-empty.
func (a *Adapter) Read(ctx context.Context, columns []string) (*structure.TablePayload, error) {
	return a.ReadPartition(ctx, 0, columns)
}

// ReadPartition returns partition zero; a CSV file has exactly one.
func (a *Adapter) ReadPartition(ctx context.Context, partition int, columns []string) (*structure.TablePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if partition != 0 {
		return nil, fmt.Errorf("%w: partition %d of a single-partition file", adapter.ErrBlockOutOfRange, partition)
	}
	payload, err := parseFile(a.path)
	if err != nil {
		return nil, err
	}
	return payload.SelectColumns(columns)
}

func parseFile(path string) (*structure.TablePayload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return &structure.TablePayload{Data: map[string][]any{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv header: %w", err)
	}

	payload := &structure.TablePayload{
		Columns: header,
		Data:    make(map[string][]any, len(header)),
	}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv row: %w", err)
		}
		for i, col := range header {
			payload.Data[col] = append(payload.Data[col], inferCell(record[i]))
		}
	}
	for _, col := range header {
		if payload.Data[col] == nil {
			payload.Data[col] = []any{}
		}
	}
	return payload, nil
}

// inferCell maps a CSV cell to a JSON-compatible value.
func inferCell(s string) any {
	if s == "" {
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return s
}

// Generate inspects a CSV file at registration time and produces the data
// source a node serving it should carry.
func Generate(ctx context.Context, mimetype, dataURI string, isDirectory bool) ([]adapter.DataSource, error) {
	if isDirectory {
		return nil, fmt.Errorf("%s registration requires a file, got a directory", Mimetype)
	}
	path, err := adapter.PathFromFileURI(dataURI)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse csv header: %w", err)
	}
	var rows int64
	if err != io.EOF {
		for {
			_, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse csv row: %w", err)
			}
			rows++
		}
	}

	table := structure.TableStructure{
		NPartitions: 1,
		Columns:     header,
		RowCounts:   []int64{rows},
		Length:      rows,
	}
	return []adapter.DataSource{{
		Mimetype:   mimetype,
		Structure:  structure.FromTable(table),
		Management: adapter.ManagementExternal,
		Assets: []adapter.Asset{
			{DataURI: dataURI, IsDirectory: false, Parameter: "data_uri"},
		},
	}}, nil
}
