package structure

// ContainerStructure describes a node that holds children. Contents is nil
// unless the server chose to inline the children (small, shallow containers
// only); Count is the child count when it was cheap to obtain.
type ContainerStructure struct {
	Contents map[string]any `json:"contents"`
	Count    *int64         `json:"count,omitempty"`
}

// NewContainerStructure returns an empty, non-inlined container structure.
func NewContainerStructure() ContainerStructure {
	return ContainerStructure{}
}

// WithCount returns a copy of the structure carrying the given child count.
func (c ContainerStructure) WithCount(n int64) ContainerStructure {
	c.Count = &n
	return c
}

// Validate is trivially nil for containers; the composite flat-namespace
// rule is enforced at child creation where sibling columns are known.
func (c ContainerStructure) Validate() error {
	return nil
}
