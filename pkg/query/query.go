// Package query defines the typed query algebra used to filter catalog
// listings and searches. Each query type carries structured operands;
// translation to a backend's expression language happens in the backend's
// own registry, never by string interpolation here.
package query

import (
	"fmt"

	"github.com/trellisdata/trellis/pkg/structure"
)

// Query is one node of the search algebra. Implementations are plain data.
type Query interface {
	// QueryName returns the stable name used in filter URL parameters and
	// translation registries.
	QueryName() string
}

// Eq matches nodes whose metadata value at Key equals Value.
type Eq struct {
	Key   string
	Value any
}

func (Eq) QueryName() string { return "eq" }

// NotEq matches nodes whose metadata value at Key differs from Value.
type NotEq struct {
	Key   string
	Value any
}

func (NotEq) QueryName() string { return "noteq" }

// In matches nodes whose metadata value at Key equals any of Values.
type In struct {
	Key    string
	Values []any
}

func (In) QueryName() string { return "in" }

// Regex matches nodes whose metadata string at Key matches Pattern.
type Regex struct {
	Key           string
	Pattern       string
	CaseSensitive bool
}

func (Regex) QueryName() string { return "regex" }

// FullText matches nodes whose metadata contains Text in any string value.
type FullText struct {
	Text string
}

func (FullText) QueryName() string { return "fulltext" }

// Operator is a comparison operator name.
type Operator string

const (
	OpGT Operator = "gt"
	OpGE Operator = "ge"
	OpLT Operator = "lt"
	OpLE Operator = "le"
)

// ParseOperator validates a comparison operator name.
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpGT, OpGE, OpLT, OpLE:
		return Operator(s), nil
	}
	return "", fmt.Errorf("unknown comparison operator %q", s)
}

// Comparison matches nodes whose numeric metadata value at Key satisfies
// the operator against Value.
type Comparison struct {
	Operator Operator
	Key      string
	Value    any
}

func (Comparison) QueryName() string { return "comparison" }

// StructureFamily matches nodes of one structure family.
type StructureFamily struct {
	Value structure.Family
}

func (StructureFamily) QueryName() string { return "structure_family" }

// KeysFilter matches nodes whose key is one of Keys.
type KeysFilter struct {
	Keys []string
}

func (KeysFilter) QueryName() string { return "keys_filter" }

// SpecsQuery matches nodes declaring all Include specs and none of the
// Exclude specs.
type SpecsQuery struct {
	Include []string
	Exclude []string
}

func (SpecsQuery) QueryName() string { return "specs" }

// AccessBlobFilter is synthesized by the access policy, never parsed from
// a request: it matches nodes owned by UserID or tagged with any of Tags.
type AccessBlobFilter struct {
	UserID string
	Tags   []string
}

func (AccessBlobFilter) QueryName() string { return "access_blob_filter" }

// NoAccess is the sentinel returned by a policy when the caller can see
// nothing at all. Callers substitute an empty-container view instead of
// running the search.
type NoAccess struct{}

func (NoAccess) QueryName() string { return "noaccess" }

// ContainsNoAccess reports whether any query in the list is the NoAccess
// sentinel.
func ContainsNoAccess(queries []Query) bool {
	for _, q := range queries {
		if _, ok := q.(NoAccess); ok {
			return true
		}
	}
	return false
}
