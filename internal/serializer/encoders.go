package serializer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/trellisdata/trellis/pkg/structure"
)

// Builtin returns a registry populated with the standard encoders: JSON and
// msgpack for every family, raw bytes for array and sparse, CSV for tables
// and plain text for scalar or 1-D arrays.
func Builtin() *Registry {
	r := NewRegistry()
	for _, family := range structure.Families {
		r.Register(string(family), MediaJSON, EncodeJSON)
		r.Register(string(family), MediaMsgpack, EncodeMsgpack)
	}
	r.Register(string(structure.FamilyArray), MediaOctetStream, EncodeOctetStream)
	r.Register(string(structure.FamilySparse), MediaOctetStream, EncodeOctetStream)
	r.Register(string(structure.FamilyTable), MediaCSV, EncodeCSV)
	r.Register(string(structure.FamilyArray), MediaText, EncodeText)
	return r
}

// EncodeJSON renders any payload as JSON: arrays as nested lists, tables as
// a column-ordered object of column name to values, sparse blocks as coords
// and data lists, everything else with encoding/json directly.
func EncodeJSON(v any) ([]byte, error) {
	switch p := v.(type) {
	case *structure.ArrayPayload:
		nested, err := nestedValues(p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(nested)
	case *structure.TablePayload:
		return encodeTableJSON(p)
	case *structure.SparsePayload:
		coords, err := nestedValues(p.Coords)
		if err != nil {
			return nil, err
		}
		data, err := nestedValues(p.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"coords": coords, "data": data})
	default:
		return json.Marshal(v)
	}
}

// msgpackArray is the binary array envelope: raw C-order bytes plus the
// shape and dtype needed to reconstruct them.
type msgpackArray struct {
	Shape []int64 `msgpack:"shape"`
	DType string  `msgpack:"dtype"`
	Data  []byte  `msgpack:"data"`
}

func newMsgpackArray(p *structure.ArrayPayload) msgpackArray {
	return msgpackArray{Shape: p.Shape, DType: p.DataType.String(), Data: p.Data}
}

// EncodeMsgpack renders any payload as msgpack. Arrays keep their raw bytes
// alongside shape and dtype; tables carry ordered column names next to the
// column data.
func EncodeMsgpack(v any) ([]byte, error) {
	switch p := v.(type) {
	case *structure.ArrayPayload:
		return msgpack.Marshal(newMsgpackArray(p))
	case *structure.TablePayload:
		return msgpack.Marshal(map[string]any{"columns": p.Columns, "data": p.Data})
	case *structure.SparsePayload:
		return msgpack.Marshal(map[string]any{
			"coords": newMsgpackArray(p.Coords),
			"data":   newMsgpackArray(p.Data),
		})
	default:
		return msgpack.Marshal(v)
	}
}

// EncodeOctetStream renders an array as its raw C-order bytes. A sparse
// block is the coords matrix bytes immediately followed by the values
// bytes; the structure document carries the sizes needed to split them.
func EncodeOctetStream(v any) ([]byte, error) {
	switch p := v.(type) {
	case *structure.ArrayPayload:
		return p.Data, nil
	case *structure.SparsePayload:
		out := make([]byte, 0, len(p.Coords.Data)+len(p.Data.Data))
		out = append(out, p.Coords.Data...)
		out = append(out, p.Data.Data...)
		return out, nil
	default:
		return nil, fmt.Errorf("octet-stream encoder got %T", v)
	}
}

// EncodeCSV renders a table as CSV with a header row.
func EncodeCSV(v any) ([]byte, error) {
	p, ok := v.(*structure.TablePayload)
	if !ok {
		return nil, fmt.Errorf("csv encoder got %T", v)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(p.Columns); err != nil {
		return nil, err
	}
	row := make([]string, len(p.Columns))
	for i := 0; i < p.NumRows(); i++ {
		for j, col := range p.Columns {
			row[j] = formatCell(p.Data[col][i])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeText renders a scalar or 1-D array as one value per line. Higher
// ranks report ErrUnsupportedShape so the caller can suggest slicing.
func EncodeText(v any) ([]byte, error) {
	p, ok := v.(*structure.ArrayPayload)
	if !ok {
		return nil, fmt.Errorf("text encoder got %T", v)
	}
	if len(p.Shape) > 1 {
		return nil, fmt.Errorf("%w: %d-dimensional array as text/plain", ErrUnsupportedShape, len(p.Shape))
	}
	nested, err := nestedValues(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	values, ok := nested.([]any)
	if !ok {
		values = []any{nested}
	}
	for _, value := range values {
		buf.WriteString(formatCell(value))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// JSONValue returns the JSON-encodable form of a payload without
// marshaling it: arrays become nested lists, tables a column map, sparse
// blocks a coords/data pair. Inlined container reads embed these inside a
// larger document.
func JSONValue(v any) (any, error) {
	switch p := v.(type) {
	case *structure.ArrayPayload:
		return nestedValues(p)
	case *structure.TablePayload:
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(p.Columns))
		for _, col := range p.Columns {
			out[col] = p.Data[col]
		}
		return out, nil
	case *structure.SparsePayload:
		coords, err := nestedValues(p.Coords)
		if err != nil {
			return nil, err
		}
		data, err := nestedValues(p.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"coords": coords, "data": data}, nil
	default:
		return v, nil
	}
}

// nestedValues decodes an array payload into nested []any rows in C order.
// A 0-D payload decodes to its single element.
func nestedValues(p *structure.ArrayPayload) (any, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	item := p.DataType.ItemSize
	var build func(shape []int64, data []byte) (any, error)
	build = func(shape []int64, data []byte) (any, error) {
		if len(shape) == 0 {
			return p.DataType.Value(data[:item])
		}
		stride := item
		for _, extent := range shape[1:] {
			stride *= extent
		}
		out := make([]any, shape[0])
		for i := int64(0); i < shape[0]; i++ {
			v, err := build(shape[1:], data[i*stride:(i+1)*stride])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return build(p.Shape, p.Data)
}

// encodeTableJSON writes {"col": [...], ...} preserving column order, which
// a plain map marshal would not.
func encodeTableJSON(p *structure.TablePayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range p.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		values, err := json.Marshal(p.Data[col])
		if err != nil {
			return nil, err
		}
		buf.Write(values)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// formatCell renders one cell for CSV and text output.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
