package structure

import "fmt"

// Family is the canonical identifier for the kind of data a node holds.
// Every node declares exactly one family, and the family determines which
// structure variant describes it and which adapter capabilities apply.
type Family string

const (
	FamilyArray     Family = "array"
	FamilyAwkward   Family = "awkward"
	FamilyComposite Family = "composite"
	FamilyContainer Family = "container"
	FamilySparse    Family = "sparse"
	FamilyTable     Family = "table"
)

// Families lists every supported structure family.
var Families = []Family{
	FamilyArray,
	FamilyAwkward,
	FamilyComposite,
	FamilyContainer,
	FamilySparse,
	FamilyTable,
}

// Valid reports whether f is a known structure family.
func (f Family) Valid() bool {
	switch f {
	case FamilyArray, FamilyAwkward, FamilyComposite, FamilyContainer, FamilySparse, FamilyTable:
		return true
	}
	return false
}

// IsContainer reports whether nodes of this family may hold children.
// Composite nodes are containers with an additional flat-namespace rule.
func (f Family) IsContainer() bool {
	return f == FamilyContainer || f == FamilyComposite
}

// ParseFamily converts a string into a Family, rejecting unknown values.
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown structure family %q", s)
	}
	return f, nil
}
