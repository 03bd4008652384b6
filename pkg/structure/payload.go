package structure

import (
	"fmt"
)

// ArrayPayload is a dense N-dimensional array in C (row-major) order: raw
// bytes plus the dtype and shape needed to interpret them.
type ArrayPayload struct {
	DataType DType
	Shape    []int64
	Data     []byte
}

// NumElements returns the element count implied by the shape.
func (p *ArrayPayload) NumElements() int64 {
	n := int64(1)
	for _, extent := range p.Shape {
		n *= extent
	}
	return n
}

// Validate checks that the byte length matches shape and itemsize.
func (p *ArrayPayload) Validate() error {
	want := p.NumElements() * p.DataType.ItemSize
	if int64(len(p.Data)) != want {
		return fmt.Errorf("array payload has %d bytes but shape %v with itemsize %d needs %d",
			len(p.Data), p.Shape, p.DataType.ItemSize, want)
	}
	return nil
}

// Strides returns the byte stride of each axis in C order.
func Strides(shape []int64, itemsize int64) []int64 {
	strides := make([]int64, len(shape))
	stride := itemsize
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// FromFloat64s builds a float64 payload from values in C order.
func FromFloat64s(shape []int64, values []float64) (*ArrayPayload, error) {
	p := &ArrayPayload{DataType: Float64(), Shape: shape, Data: make([]byte, len(values)*8)}
	if p.NumElements() != int64(len(values)) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, p.NumElements(), len(values))
	}
	for i, v := range values {
		if err := p.DataType.PutFloat64(p.Data[i*8:(i+1)*8], v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Float64Values decodes the payload into float64s in C order. Only valid
// for numeric dtypes.
func (p *ArrayPayload) Float64Values() ([]float64, error) {
	n := p.NumElements()
	item := p.DataType.ItemSize
	out := make([]float64, n)
	for i := int64(0); i < n; i++ {
		v, err := p.DataType.AsFloat64(p.Data[i*item : (i+1)*item])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Extract applies a slice list to the payload and returns the selected
// region as a new payload. Integer selectors drop their axis; mean
// aggregation converts the result to float64.
func (p *ArrayPayload) Extract(slices []Slice) (*ArrayPayload, error) {
	if len(slices) == 0 {
		cp := &ArrayPayload{DataType: p.DataType, Shape: append([]int64(nil), p.Shape...), Data: append([]byte(nil), p.Data...)}
		return cp, nil
	}
	expanded, err := ExpandEllipsis(slices, len(p.Shape))
	if err != nil {
		return nil, err
	}

	rank := len(p.Shape)
	positions := make([][]int64, rank)
	gatherShape := make([]int64, rank)
	for i, sl := range expanded {
		pos, err := sl.positions(p.Shape[i])
		if err != nil {
			return nil, err
		}
		positions[i] = pos
		gatherShape[i] = int64(len(pos))
	}

	item := p.DataType.ItemSize
	srcStrides := Strides(p.Shape, item)
	total := int64(1)
	for _, g := range gatherShape {
		total *= g
	}
	gathered := make([]byte, total*item)
	if total > 0 {
		idx := make([]int64, rank)
		for out := int64(0); out < total; out++ {
			var src int64
			for axis := 0; axis < rank; axis++ {
				src += positions[axis][idx[axis]] * srcStrides[axis]
			}
			copy(gathered[out*item:(out+1)*item], p.Data[src:src+item])
			for axis := rank - 1; axis >= 0; axis-- {
				idx[axis]++
				if idx[axis] < gatherShape[axis] {
					break
				}
				idx[axis] = 0
			}
		}
	}

	dt := p.DataType
	shape := gatherShape
	for axis := 0; axis < rank; axis++ {
		if !expanded[axis].Mean {
			continue
		}
		if !dt.Numeric() {
			return nil, fmt.Errorf("%w: mean aggregation needs a numeric dtype, got %s", ErrInvalidSlice, dt)
		}
		gathered, shape, dt, err = meanAxis(gathered, dt, shape, axis, expanded[axis].MeanWidth)
		if err != nil {
			return nil, err
		}
	}

	finalShape := make([]int64, 0, rank)
	for axis := 0; axis < rank; axis++ {
		if expanded[axis].Kind == SliceIndex {
			continue
		}
		finalShape = append(finalShape, shape[axis])
	}
	// Index axes have extent 1; dropping them does not disturb C order.
	return &ArrayPayload{DataType: dt, Shape: finalShape, Data: gathered}, nil
}

// meanAxis replaces the given axis with bin means of the given width
// (width <= 0 collapses the whole axis to one value). Output is float64.
func meanAxis(data []byte, dt DType, shape []int64, axis int, width int64) ([]byte, []int64, DType, error) {
	extent := shape[axis]
	if width <= 0 {
		width = extent
	}
	outExtent := int64(1)
	if extent > 0 {
		outExtent = (extent + width - 1) / width
	}

	outShape := append([]int64(nil), shape...)
	outShape[axis] = outExtent

	outDT := Float64()
	srcStrides := Strides(shape, dt.ItemSize)
	dstStrides := Strides(outShape, outDT.ItemSize)

	total := int64(1)
	for _, e := range outShape {
		total *= e
	}
	out := make([]byte, total*outDT.ItemSize)
	if total == 0 {
		return out, outShape, outDT, nil
	}

	rank := len(shape)
	idx := make([]int64, rank)
	for n := int64(0); n < total; n++ {
		binStart := idx[axis] * width
		binEnd := binStart + width
		if binEnd > extent {
			binEnd = extent
		}
		var sum float64
		var count int64
		for pos := binStart; pos < binEnd; pos++ {
			var src int64
			for a := 0; a < rank; a++ {
				p := idx[a]
				if a == axis {
					p = pos
				}
				src += p * srcStrides[a]
			}
			v, err := dt.AsFloat64(data[src : src+dt.ItemSize])
			if err != nil {
				return nil, nil, DType{}, err
			}
			sum += v
			count++
		}
		var dst int64
		for a := 0; a < rank; a++ {
			dst += idx[a] * dstStrides[a]
		}
		mean := 0.0
		if count > 0 {
			mean = sum / float64(count)
		}
		if err := outDT.PutFloat64(out[dst:dst+outDT.ItemSize], mean); err != nil {
			return nil, nil, DType{}, err
		}
		for a := rank - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < outShape[a] {
				break
			}
			idx[a] = 0
		}
	}
	return out, outShape, outDT, nil
}

// CopyInto places this payload into dst at the given per-axis element
// offset. Shapes and dtypes must be compatible; used to assemble full
// arrays from blocks and to apply block writes.
func (p *ArrayPayload) CopyInto(dst *ArrayPayload, offset []int64) error {
	if len(p.Shape) != len(dst.Shape) || len(offset) != len(dst.Shape) {
		return fmt.Errorf("rank mismatch placing %v into %v at %v", p.Shape, dst.Shape, offset)
	}
	if p.DataType.ItemSize != dst.DataType.ItemSize {
		return fmt.Errorf("itemsize mismatch: %d vs %d", p.DataType.ItemSize, dst.DataType.ItemSize)
	}
	for i := range offset {
		if offset[i] < 0 || offset[i]+p.Shape[i] > dst.Shape[i] {
			return fmt.Errorf("region %v+%v exceeds destination shape %v", offset, p.Shape, dst.Shape)
		}
	}
	item := dst.DataType.ItemSize
	srcStrides := Strides(p.Shape, item)
	dstStrides := Strides(dst.Shape, item)

	total := p.NumElements()
	if total == 0 {
		return nil
	}
	rank := len(p.Shape)
	idx := make([]int64, rank)
	for n := int64(0); n < total; n++ {
		var src, dstOff int64
		for a := 0; a < rank; a++ {
			src += idx[a] * srcStrides[a]
			dstOff += (idx[a] + offset[a]) * dstStrides[a]
		}
		copy(dst.Data[dstOff:dstOff+item], p.Data[src:src+item])
		for a := rank - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < p.Shape[a] {
				break
			}
			idx[a] = 0
		}
	}
	return nil
}

// TablePayload is column-major tabular data: ordered column names and, for
// each, a slice of JSON-compatible cell values of equal length.
type TablePayload struct {
	Columns []string
	Data    map[string][]any
}

// NumRows returns the row count (zero for an empty payload).
func (t *TablePayload) NumRows() int {
	for _, col := range t.Columns {
		return len(t.Data[col])
	}
	return 0
}

// Validate checks that every declared column is present with equal length.
func (t *TablePayload) Validate() error {
	n := -1
	for _, col := range t.Columns {
		values, ok := t.Data[col]
		if !ok {
			return fmt.Errorf("table payload missing column %q", col)
		}
		if n < 0 {
			n = len(values)
		} else if len(values) != n {
			return fmt.Errorf("column %q has %d rows, expected %d", col, len(values), n)
		}
	}
	return nil
}

// SelectColumns restricts the payload to the named columns, preserving
// their requested order. An unknown column is an error.
func (t *TablePayload) SelectColumns(columns []string) (*TablePayload, error) {
	if len(columns) == 0 {
		return t, nil
	}
	out := &TablePayload{Columns: columns, Data: make(map[string][]any, len(columns))}
	for _, col := range columns {
		values, ok := t.Data[col]
		if !ok {
			return nil, fmt.Errorf("no such column %q", col)
		}
		out.Data[col] = values
	}
	return out, nil
}

// Append concatenates rows of other onto t. Column sets must match.
func (t *TablePayload) Append(other *TablePayload) error {
	if len(other.Columns) != len(t.Columns) {
		return fmt.Errorf("appended rows have %d columns, table has %d", len(other.Columns), len(t.Columns))
	}
	for _, col := range t.Columns {
		values, ok := other.Data[col]
		if !ok {
			return fmt.Errorf("appended rows missing column %q", col)
		}
		t.Data[col] = append(t.Data[col], values...)
	}
	return nil
}

// SparsePayload is one COO block: a coordinates matrix of shape
// (ndim, nnz) and a values vector of length nnz.
type SparsePayload struct {
	Coords *ArrayPayload
	Data   *ArrayPayload
}

// Validate checks the COO shape relationship between coords and values.
func (s *SparsePayload) Validate() error {
	if s.Coords == nil || s.Data == nil {
		return fmt.Errorf("sparse payload requires both coords and data")
	}
	if len(s.Coords.Shape) != 2 {
		return fmt.Errorf("sparse coords must be 2-D (ndim, nnz), got shape %v", s.Coords.Shape)
	}
	if len(s.Data.Shape) != 1 {
		return fmt.Errorf("sparse data must be 1-D, got shape %v", s.Data.Shape)
	}
	if s.Coords.Shape[1] != s.Data.Shape[0] {
		return fmt.Errorf("sparse coords describe %d entries but data has %d", s.Coords.Shape[1], s.Data.Shape[0])
	}
	return nil
}
