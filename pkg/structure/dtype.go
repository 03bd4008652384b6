package structure

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Endianness describes the byte order of a binary data type.
type Endianness string

const (
	EndianLittle        Endianness = "little"
	EndianBig           Endianness = "big"
	EndianNotApplicable Endianness = "not_applicable"
)

// Kind is a single-character type class, following the numpy convention:
// b=boolean, i=signed integer, u=unsigned integer, f=float, c=complex,
// S=bytes, U=unicode, m=timedelta, M=datetime, V=void (structured records).
type Kind string

const (
	KindBool      Kind = "b"
	KindInt       Kind = "i"
	KindUint      Kind = "u"
	KindFloat     Kind = "f"
	KindComplex   Kind = "c"
	KindBytes     Kind = "S"
	KindUnicode   Kind = "U"
	KindTimedelta Kind = "m"
	KindDatetime  Kind = "M"
	KindVoid      Kind = "V"
)

// DTypeField is one member of a structured (record) data type.
type DTypeField struct {
	Name  string `json:"name"`
	DType DType  `json:"dtype"`
	Shape []int  `json:"shape,omitempty"`
}

// DType describes the binary layout of one array element.
type DType struct {
	Endianness Endianness   `json:"endianness"`
	Kind       Kind         `json:"kind"`
	ItemSize   int64        `json:"itemsize"`
	Fields     []DTypeField `json:"fields,omitempty"`
}

// Float64 returns the dtype of a little-endian 64-bit float.
func Float64() DType {
	return DType{Endianness: EndianLittle, Kind: KindFloat, ItemSize: 8}
}

// Float32 returns the dtype of a little-endian 32-bit float.
func Float32() DType {
	return DType{Endianness: EndianLittle, Kind: KindFloat, ItemSize: 4}
}

// Int64 returns the dtype of a little-endian 64-bit signed integer.
func Int64() DType {
	return DType{Endianness: EndianLittle, Kind: KindInt, ItemSize: 8}
}

// Uint8 returns the dtype of an 8-bit unsigned integer.
func Uint8() DType {
	return DType{Endianness: EndianNotApplicable, Kind: KindUint, ItemSize: 1}
}

// Validate checks internal consistency of the data type.
func (d DType) Validate() error {
	switch d.Kind {
	case KindBool, KindInt, KindUint, KindFloat, KindComplex,
		KindBytes, KindUnicode, KindTimedelta, KindDatetime, KindVoid:
	default:
		return fmt.Errorf("unknown dtype kind %q", d.Kind)
	}
	if d.ItemSize <= 0 {
		return fmt.Errorf("dtype itemsize must be positive, got %d", d.ItemSize)
	}
	if d.Kind == KindVoid && len(d.Fields) == 0 {
		return fmt.Errorf("void dtype requires at least one field")
	}
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("structured dtype field with empty name")
		}
		if err := f.DType.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// Numeric reports whether elements can be interpreted as scalars for
// server-side aggregation.
func (d DType) Numeric() bool {
	switch d.Kind {
	case KindBool, KindInt, KindUint, KindFloat:
		return true
	}
	return false
}

func (d DType) byteOrder() binary.ByteOrder {
	if d.Endianness == EndianBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// AsFloat64 decodes the element stored at item[0:ItemSize] as a float64.
// Only valid for numeric kinds.
func (d DType) AsFloat64(item []byte) (float64, error) {
	ord := d.byteOrder()
	switch d.Kind {
	case KindBool:
		if item[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case KindUint:
		switch d.ItemSize {
		case 1:
			return float64(item[0]), nil
		case 2:
			return float64(ord.Uint16(item)), nil
		case 4:
			return float64(ord.Uint32(item)), nil
		case 8:
			return float64(ord.Uint64(item)), nil
		}
	case KindInt:
		switch d.ItemSize {
		case 1:
			return float64(int8(item[0])), nil
		case 2:
			return float64(int16(ord.Uint16(item))), nil
		case 4:
			return float64(int32(ord.Uint32(item))), nil
		case 8:
			return float64(int64(ord.Uint64(item))), nil
		}
	case KindFloat:
		switch d.ItemSize {
		case 4:
			return float64(math.Float32frombits(ord.Uint32(item))), nil
		case 8:
			return math.Float64frombits(ord.Uint64(item)), nil
		}
	}
	return 0, fmt.Errorf("dtype %s%d does not support numeric decoding", d.Kind, d.ItemSize)
}

// PutFloat64 encodes v into dst according to the dtype layout. Only valid
// for numeric kinds; integers are truncated toward zero.
func (d DType) PutFloat64(dst []byte, v float64) error {
	ord := d.byteOrder()
	switch d.Kind {
	case KindBool:
		if v != 0 {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
		return nil
	case KindUint:
		switch d.ItemSize {
		case 1:
			dst[0] = uint8(v)
			return nil
		case 2:
			ord.PutUint16(dst, uint16(v))
			return nil
		case 4:
			ord.PutUint32(dst, uint32(v))
			return nil
		case 8:
			ord.PutUint64(dst, uint64(v))
			return nil
		}
	case KindInt:
		switch d.ItemSize {
		case 1:
			dst[0] = byte(int8(v))
			return nil
		case 2:
			ord.PutUint16(dst, uint16(int16(v)))
			return nil
		case 4:
			ord.PutUint32(dst, uint32(int32(v)))
			return nil
		case 8:
			ord.PutUint64(dst, uint64(int64(v)))
			return nil
		}
	case KindFloat:
		switch d.ItemSize {
		case 4:
			ord.PutUint32(dst, math.Float32bits(float32(v)))
			return nil
		case 8:
			ord.PutUint64(dst, math.Float64bits(v))
			return nil
		}
	}
	return fmt.Errorf("dtype %s%d does not support numeric encoding", d.Kind, d.ItemSize)
}

// Value decodes the element stored at item[0:ItemSize] into its natural Go
// representation: bool, int64, uint64, float64, or string for the bytes and
// unicode kinds (NUL padding trimmed).
func (d DType) Value(item []byte) (any, error) {
	ord := d.byteOrder()
	switch d.Kind {
	case KindBool:
		return item[0] != 0, nil
	case KindUint:
		switch d.ItemSize {
		case 1:
			return uint64(item[0]), nil
		case 2:
			return uint64(ord.Uint16(item)), nil
		case 4:
			return uint64(ord.Uint32(item)), nil
		case 8:
			return ord.Uint64(item), nil
		}
	case KindInt, KindTimedelta, KindDatetime:
		switch d.ItemSize {
		case 1:
			return int64(int8(item[0])), nil
		case 2:
			return int64(int16(ord.Uint16(item))), nil
		case 4:
			return int64(int32(ord.Uint32(item))), nil
		case 8:
			return int64(ord.Uint64(item)), nil
		}
	case KindFloat:
		switch d.ItemSize {
		case 4:
			return float64(math.Float32frombits(ord.Uint32(item))), nil
		case 8:
			return math.Float64frombits(ord.Uint64(item)), nil
		}
	case KindBytes:
		return string(bytes.TrimRight(item, "\x00")), nil
	case KindUnicode:
		// numpy U dtypes are UTF-32 in the declared byte order, four bytes
		// per code point, NUL padded.
		runes := make([]rune, 0, d.ItemSize/4)
		for off := int64(0); off+4 <= d.ItemSize; off += 4 {
			cp := ord.Uint32(item[off : off+4])
			if cp == 0 {
				break
			}
			runes = append(runes, rune(cp))
		}
		return string(runes), nil
	}
	return nil, fmt.Errorf("dtype %s%d does not support element decoding", d.Kind, d.ItemSize)
}

// String renders a compact human-readable form such as "<f8".
func (d DType) String() string {
	prefix := "|"
	switch d.Endianness {
	case EndianLittle:
		prefix = "<"
	case EndianBig:
		prefix = ">"
	}
	return fmt.Sprintf("%s%s%d", prefix, d.Kind, d.ItemSize)
}
