package adapter

import (
	"context"

	"github.com/trellisdata/trellis/pkg/structure"
)

// Management describes who owns the bytes behind a data source.
type Management string

const (
	// ManagementInternal marks bytes created and owned by the service.
	ManagementInternal Management = "internal"

	// ManagementExternal marks pre-existing bytes registered in place. The
	// service never deletes them.
	ManagementExternal Management = "external"

	// ManagementWritable marks service-owned bytes that accept writes.
	ManagementWritable Management = "writable"

	// ManagementLocked marks service-owned bytes frozen against writes.
	ManagementLocked Management = "locked"
)

// OwnsBytes reports whether deleting the node should delete the bytes.
func (m Management) OwnsBytes() bool {
	return m != ManagementExternal
}

// Valid reports whether m is one of the defined management modes.
func (m Management) Valid() bool {
	switch m {
	case ManagementInternal, ManagementExternal, ManagementWritable, ManagementLocked:
		return true
	}
	return false
}

// Asset is one file or directory backing a data source. Parameter names the
// adapter-constructor argument the asset binds to; Num orders assets within
// a parameter that accepts a sequence.
type Asset struct {
	ID          int64  `json:"id"`
	DataURI     string `json:"data_uri"`
	IsDirectory bool   `json:"is_directory"`
	Parameter   string `json:"parameter,omitempty"`
	Num         *int   `json:"num,omitempty"`
}

// DataSource ties a node to the assets and adapter that serve its data.
type DataSource struct {
	ID         int64               `json:"id"`
	Mimetype   string              `json:"mimetype"`
	Structure  structure.Structure `json:"structure"`
	Parameters map[string]any      `json:"parameters,omitempty"`
	Management Management          `json:"management"`
	Assets     []Asset             `json:"assets"`
}

// NodeInfo is the catalog's description of a node, handed to adapter
// factories at instantiation time.
type NodeInfo struct {
	Key             string
	StructureFamily structure.Family
	Structure       structure.Structure
	Metadata        map[string]any
	Specs           []structure.Spec
	DataSource      DataSource
}

// Factory instantiates an adapter from a stored node description.
type Factory func(ctx context.Context, node NodeInfo) (Adapter, error)

// DataSourceGenerator describes how to register an existing asset under a
// mimetype: it inspects the bytes and produces the data sources (structure
// included) that a new node should carry. Used by registration walkers
// before any adapter exists.
type DataSourceGenerator func(ctx context.Context, mimetype, dataURI string, isDirectory bool) ([]DataSource, error)
