package authz

import (
	"context"

	"github.com/trellisdata/trellis/pkg/query"
)

// OpenPolicy grants every caller the full scope set and filters nothing.
// It is selected when access control is disabled and is the test default.
type OpenPolicy struct{}

// NewOpenPolicy creates an OpenPolicy.
func NewOpenPolicy() *OpenPolicy {
	return &OpenPolicy{}
}

// InitNode accepts any valid blob, defaulting an empty one to caller
// ownership when possible.
func (p *OpenPolicy) InitNode(ctx context.Context, caller Caller, blob AccessBlob) (AccessBlob, error) {
	if blob.IsZero() {
		return defaultBlob(caller), nil
	}
	if err := blob.Validate(); err != nil {
		return AccessBlob{}, err
	}
	return blob, nil
}

// ModifyNode accepts any valid blob.
func (p *OpenPolicy) ModifyNode(ctx context.Context, caller Caller, current, proposed AccessBlob) (AccessBlob, error) {
	if proposed.IsZero() {
		return current, nil
	}
	if err := proposed.Validate(); err != nil {
		return AccessBlob{}, err
	}
	return proposed, nil
}

// AllowedScopes grants everything.
func (p *OpenPolicy) AllowedScopes(ctx context.Context, caller Caller, blob AccessBlob) (ScopeSet, error) {
	return AllScopes(), nil
}

// Filters narrows nothing.
func (p *OpenPolicy) Filters(ctx context.Context, caller Caller, required ScopeSet) ([]query.Query, error) {
	return nil, nil
}

// defaultBlob is the normalization of an absent blob: the node belongs to
// its creator. Anonymous creators get the public tag so the node stays
// reachable.
func defaultBlob(caller Caller) AccessBlob {
	if caller.Anonymous {
		return AccessBlob{Tags: []string{PublicTag}}
	}
	ids := caller.Identifiers()
	if len(ids) > 0 {
		return AccessBlob{User: ids[0]}
	}
	return AccessBlob{Tags: []string{PublicTag}}
}
