package structure

import (
	"encoding/json"
	"fmt"
)

// InsertionOrderKey is the reserved sort key meaning "catalog insertion
// order". A node sorted by ("_", 1) lists children oldest first.
const InsertionOrderKey = "_"

// SortKey is one element of a node's sorting specification. Direction is
// +1 for ascending and -1 for descending. It serializes as a two-element
// JSON array, e.g. ["color", -1].
type SortKey struct {
	Key       string
	Direction int
}

// Ascending reports whether the key sorts ascending.
func (s SortKey) Ascending() bool { return s.Direction >= 0 }

// MarshalJSON encodes the key as a [key, direction] pair.
func (s SortKey) MarshalJSON() ([]byte, error) {
	dir := s.Direction
	if dir == 0 {
		dir = 1
	}
	return json.Marshal([2]any{s.Key, dir})
}

// UnmarshalJSON accepts a [key, direction] pair.
func (s *SortKey) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sort key must be a [key, direction] pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &s.Key); err != nil {
		return fmt.Errorf("sort key name: %w", err)
	}
	var dir float64
	if err := json.Unmarshal(raw[1], &dir); err != nil {
		return fmt.Errorf("sort key direction: %w", err)
	}
	switch {
	case dir > 0:
		s.Direction = 1
	case dir < 0:
		s.Direction = -1
	default:
		return fmt.Errorf("sort key direction must be nonzero")
	}
	return nil
}

// DefaultSorting is insertion order, ascending.
func DefaultSorting() []SortKey {
	return []SortKey{{Key: InsertionOrderKey, Direction: 1}}
}

// ParseSortParam parses the "sort" query parameter form: comma-separated
// keys, each optionally prefixed with "-" for descending.
func ParseSortParam(s string) ([]SortKey, error) {
	if s == "" {
		return nil, nil
	}
	var out []SortKey
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			start = i + 1
			if part == "" {
				return nil, fmt.Errorf("empty sort key")
			}
			key := SortKey{Key: part, Direction: 1}
			if part[0] == '-' {
				if len(part) == 1 {
					return nil, fmt.Errorf("empty sort key")
				}
				key = SortKey{Key: part[1:], Direction: -1}
			}
			out = append(out, key)
		}
	}
	return out, nil
}
