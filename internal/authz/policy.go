// Package authz implements tag-based access control: per-principal scopes
// evaluated against per-node access blobs, with query rewriting so listings
// only ever show what the caller may see.
package authz

import (
	"context"

	"github.com/trellisdata/trellis/pkg/query"
)

// Policy mediates every metadata and data operation. Implementations must
// be safe for concurrent use.
type Policy interface {
	// InitNode validates and possibly normalizes the access blob for a node
	// being created. An empty blob normalizes to caller ownership.
	InitNode(ctx context.Context, caller Caller, blob AccessBlob) (AccessBlob, error)

	// ModifyNode validates and possibly normalizes a change of an existing
	// node's blob. Non-admin changes that would lock the caller out of
	// read:metadata or write:metadata are rejected.
	ModifyNode(ctx context.Context, caller Caller, current, proposed AccessBlob) (AccessBlob, error)

	// AllowedScopes returns the scopes the blob grants this caller.
	AllowedScopes(ctx context.Context, caller Caller, blob AccessBlob) (ScopeSet, error)

	// Filters returns the queries to conjoin onto a listing that requires
	// the given scopes: an AccessBlobFilter narrowing to visible rows, a
	// NoAccess sentinel when nothing is visible, or nothing at all for
	// unrestricted callers.
	Filters(ctx context.Context, caller Caller, required ScopeSet) ([]query.Query, error)
}

// mutationScopes is the minimum the caller must retain on a node after
// changing its blob.
func mutationScopes() ScopeSet {
	return NewScopeSet(ScopeReadMetadata, ScopeWriteMetadata)
}
