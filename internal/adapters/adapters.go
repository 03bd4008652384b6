// Package adapters ties the built-in data adapters together. Importing it
// registers every built-in mimetype; DefaultMimetype picks the writable
// format used when a client creates a node without naming one.
package adapters

import (
	"github.com/trellisdata/trellis/internal/adapters/awkwarddir"
	"github.com/trellisdata/trellis/internal/adapters/blockdir"
	_ "github.com/trellisdata/trellis/internal/adapters/csvfile"
	"github.com/trellisdata/trellis/internal/adapters/sparsedir"
	"github.com/trellisdata/trellis/internal/adapters/tabledir"
	"github.com/trellisdata/trellis/pkg/structure"
)

// DefaultMimetype returns the built-in writable mimetype for a structure
// family. Containers carry no bytes and have no adapter.
func DefaultMimetype(f structure.Family) (string, bool) {
	switch f {
	case structure.FamilyArray:
		return blockdir.Mimetype, true
	case structure.FamilyTable:
		return tabledir.Mimetype, true
	case structure.FamilySparse:
		return sparsedir.Mimetype, true
	case structure.FamilyAwkward:
		return awkwarddir.Mimetype, true
	}
	return "", false
}
