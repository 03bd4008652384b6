// Package adapter provides the unified interface for all data adapters.
//
// This package defines the contracts that storage-specific implementations
// must follow, enabling a consistent way to serve any backing format while
// respecting its structure family.
//
// # Architecture
//
// The adapter package follows an interface-driven design:
//
//   - Adapter: the base interface every adapter implements
//   - Capability interfaces: ArrayReader/ArrayWriter, TableReader/TableWriter,
//     SparseReader/SparseWriter, AwkwardReader/AwkwardWriter, Container
//   - Registry: maps mimetypes to adapter factories and data-source generators
//
// Callers discover capabilities by type assertion:
//
//	reader, ok := a.(adapter.ArrayReader)
//	if !ok {
//	    return adapter.ErrUnsupported
//	}
//	payload, err := reader.Read(ctx, slices)
//
// Adapters register a factory for each mimetype they serve:
//
//	func init() {
//	    adapter.Register("application/x-trellis-array", NewFromNode)
//	}
//
// The catalog instantiates adapters on demand from the stored node
// description (structure, metadata, data sources) and never holds them
// across requests.
package adapter
