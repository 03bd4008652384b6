package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Node is one entry in the catalog tree. Ancestors name the containers
// above it, root-first; only container (and composite) nodes may carry
// children, and only they may have zero data sources.
type Node struct {
	ID              uuid.UUID
	Key             string
	Ancestors       []string
	StructureFamily structure.Family
	Metadata        map[string]any
	Specs           []structure.Spec
	Sorting         []structure.SortKey
	AccessBlob      authz.AccessBlob
	TimeCreated     time.Time
	TimeUpdated     time.Time
	CreatedBy       uuid.UUID
	UpdatedBy       uuid.UUID
	DataSources     []adapter.DataSource
}

// Parent returns the '/'-joined ancestor path, "" for top-level nodes.
func (n *Node) Parent() string {
	return strings.Join(n.Ancestors, "/")
}

// Path returns the full '/'-joined path of the node.
func (n *Node) Path() string {
	if len(n.Ancestors) == 0 {
		return n.Key
	}
	return n.Parent() + "/" + n.Key
}

// ChildAncestors returns the ancestor list for a child of this node. The
// synthetic root (empty key) contributes no segment.
func (n *Node) ChildAncestors() []string {
	if n.Key == "" {
		return nil
	}
	out := make([]string, 0, len(n.Ancestors)+1)
	out = append(out, n.Ancestors...)
	return append(out, n.Key)
}

// IsContainer reports whether the node may hold children.
func (n *Node) IsContainer() bool {
	return n.StructureFamily.IsContainer()
}

// Structure returns the structure of the node's first data source, or a
// bare container structure for data-source-less containers.
func (n *Node) Structure() structure.Structure {
	if len(n.DataSources) > 0 {
		return n.DataSources[0].Structure
	}
	if n.IsContainer() {
		return structure.FromContainerFamily(n.StructureFamily, structure.ContainerStructure{})
	}
	return structure.Structure{}
}

// ValidateKey enforces the key rules: non-empty, no '/', no NUL byte.
func ValidateKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\x00") {
		return ErrInvalidKey
	}
	return nil
}

// Revision is a snapshot of a node's mutable triple taken before an update.
type Revision struct {
	NodeID         uuid.UUID        `json:"-"`
	RevisionNumber int              `json:"revision_number"`
	Metadata       map[string]any   `json:"metadata"`
	Specs          []structure.Spec `json:"specs"`
	AccessBlob     authz.AccessBlob `json:"access_blob"`
	TimeUpdated    time.Time        `json:"time_updated"`
	UpdatedBy      uuid.UUID        `json:"updated_by"`
}

// SplitPath splits a '/'-joined path into segments, tolerating leading and
// trailing separators. The empty path is the root.
func SplitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath joins path segments.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}
