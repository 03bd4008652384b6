// Package structure defines the typed descriptions of the data shapes the
// service catalogs: dense and sparse arrays, partitioned tables, awkward
// (ragged) data, and containers, plus the slicing algebra used to address
// sub-regions of arrays.
package structure

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Structure is the tagged union of per-family structure variants. Exactly
// one variant is set, determined by the family. The zero value is only
// valid for families that carry no structure payload.
type Structure struct {
	family    Family
	array     *ArrayStructure
	table     *TableStructure
	sparse    *SparseStructure
	awkward   *AwkwardStructure
	container *ContainerStructure
}

// FromArray wraps an array structure.
func FromArray(a ArrayStructure) Structure {
	return Structure{family: FamilyArray, array: &a}
}

// FromTable wraps a table structure.
func FromTable(t TableStructure) Structure {
	return Structure{family: FamilyTable, table: &t}
}

// FromSparse wraps a sparse structure.
func FromSparse(s SparseStructure) Structure {
	return Structure{family: FamilySparse, sparse: &s}
}

// FromAwkward wraps an awkward structure.
func FromAwkward(a AwkwardStructure) Structure {
	return Structure{family: FamilyAwkward, awkward: &a}
}

// FromContainer wraps a container structure.
func FromContainer(c ContainerStructure) Structure {
	return Structure{family: FamilyContainer, container: &c}
}

// FromComposite wraps a container structure under the composite family.
func FromComposite(c ContainerStructure) Structure {
	return Structure{family: FamilyComposite, container: &c}
}

// Family returns the variant tag.
func (s Structure) Family() Family { return s.family }

// IsZero reports whether no variant is set.
func (s Structure) IsZero() bool { return s.family == "" }

// Array returns the array variant.
func (s Structure) Array() (*ArrayStructure, bool) { return s.array, s.array != nil }

// Table returns the table variant.
func (s Structure) Table() (*TableStructure, bool) { return s.table, s.table != nil }

// Sparse returns the sparse variant.
func (s Structure) Sparse() (*SparseStructure, bool) { return s.sparse, s.sparse != nil }

// Awkward returns the awkward variant.
func (s Structure) Awkward() (*AwkwardStructure, bool) { return s.awkward, s.awkward != nil }

// Container returns the container variant (also set for composites).
func (s Structure) Container() (*ContainerStructure, bool) { return s.container, s.container != nil }

// Validate dispatches to the active variant's validation.
func (s Structure) Validate() error {
	switch s.family {
	case FamilyArray:
		if s.array == nil {
			return fmt.Errorf("array structure missing")
		}
		return s.array.Validate()
	case FamilyTable:
		if s.table == nil {
			return fmt.Errorf("table structure missing")
		}
		return s.table.Validate()
	case FamilySparse:
		if s.sparse == nil {
			return fmt.Errorf("sparse structure missing")
		}
		return s.sparse.Validate()
	case FamilyAwkward:
		if s.awkward == nil {
			return fmt.Errorf("awkward structure missing")
		}
		return s.awkward.Validate()
	case FamilyContainer, FamilyComposite:
		if s.container == nil {
			return nil
		}
		return s.container.Validate()
	case "":
		return fmt.Errorf("structure has no family")
	}
	return fmt.Errorf("unknown structure family %q", s.family)
}

// MarshalJSON emits the active variant's object form. The family travels
// separately in node attributes, so the variant is encoded bare.
func (s Structure) MarshalJSON() ([]byte, error) {
	switch s.family {
	case FamilyArray:
		return json.Marshal(s.array)
	case FamilyTable:
		return json.Marshal(s.table)
	case FamilySparse:
		return json.Marshal(s.sparse)
	case FamilyAwkward:
		return json.Marshal(s.awkward)
	case FamilyContainer, FamilyComposite:
		if s.container == nil {
			return json.Marshal(ContainerStructure{})
		}
		return json.Marshal(s.container)
	}
	return []byte("null"), nil
}

// Decode parses the JSON form of the variant selected by family.
func Decode(family Family, data []byte) (Structure, error) {
	if len(data) == 0 || string(data) == "null" {
		if family.IsContainer() {
			return FromContainerFamily(family, ContainerStructure{}), nil
		}
		return Structure{}, fmt.Errorf("family %q requires a structure", family)
	}
	switch family {
	case FamilyArray:
		var v ArrayStructure
		if err := json.Unmarshal(data, &v); err != nil {
			return Structure{}, fmt.Errorf("decoding array structure: %w", err)
		}
		return FromArray(v), nil
	case FamilyTable:
		var v TableStructure
		if err := json.Unmarshal(data, &v); err != nil {
			return Structure{}, fmt.Errorf("decoding table structure: %w", err)
		}
		return FromTable(v), nil
	case FamilySparse:
		var v SparseStructure
		if err := json.Unmarshal(data, &v); err != nil {
			return Structure{}, fmt.Errorf("decoding sparse structure: %w", err)
		}
		return FromSparse(v), nil
	case FamilyAwkward:
		var v AwkwardStructure
		if err := json.Unmarshal(data, &v); err != nil {
			return Structure{}, fmt.Errorf("decoding awkward structure: %w", err)
		}
		return FromAwkward(v), nil
	case FamilyContainer, FamilyComposite:
		var v ContainerStructure
		if err := json.Unmarshal(data, &v); err != nil {
			return Structure{}, fmt.Errorf("decoding container structure: %w", err)
		}
		return FromContainerFamily(family, v), nil
	}
	return Structure{}, fmt.Errorf("unknown structure family %q", family)
}

// FromContainerFamily wraps a container structure under either container
// family tag.
func FromContainerFamily(family Family, c ContainerStructure) Structure {
	if family == FamilyComposite {
		return FromComposite(c)
	}
	return FromContainer(c)
}

// Hash returns the content address of the structure: the hex SHA-256 of
// the family tag and the canonical JSON encoding. Nodes with identical
// structures share one stored row keyed by this value.
func (s Structure) Hash() (string, error) {
	body, err := s.MarshalJSON()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(s.family))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
