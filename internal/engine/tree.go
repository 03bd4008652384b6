package engine

import (
	"context"
	"net/http"
	"strings"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/query"
)

// resolved is the outcome of a path lookup: the stored node plus the scopes
// the policy grants the caller on it.
type resolved struct {
	node    *catalog.Node
	allowed authz.ScopeSet
}

// resolve walks the path one segment at a time. Every visited node,
// intermediate and terminal, requires read:metadata; a node the caller
// cannot read resolves exactly like a missing one.
func (e *Engine) resolve(ctx context.Context, path string) (*resolved, error) {
	caller := authz.CallerFrom(ctx)

	node := catalog.RootNode()
	allowed, err := e.policy.AllowedScopes(ctx, caller, node.AccessBlob)
	if err != nil {
		return nil, err
	}

	for _, segment := range catalog.SplitPath(path) {
		if !allowed.Has(authz.ScopeReadMetadata) {
			return nil, catalog.ErrNotFound
		}
		child, err := e.store.GetNode(ctx, node.Path(), segment)
		if err != nil {
			return nil, err
		}
		node = child
		if allowed, err = e.policy.AllowedScopes(ctx, caller, node.AccessBlob); err != nil {
			return nil, err
		}
	}

	if !allowed.Has(authz.ScopeReadMetadata) {
		return nil, catalog.ErrNotFound
	}
	return &resolved{node: node, allowed: allowed}, nil
}

// authorize resolves path and enforces the operation's scopes: first
// against the credential (401 on a miss), then against the policy's grant
// on the node (403; or 404 upstream when even read:metadata is missing).
// Admins skip the node-level check for creation-class scopes only; the
// policy's init hook still validates whatever blob they attach.
func (e *Engine) authorize(ctx context.Context, path string, required ...authz.Scope) (*resolved, error) {
	caller := authz.CallerFrom(ctx)
	need := authz.NewScopeSet(required...)

	if !caller.Scopes.HasAll(need) {
		return nil, errorf(http.StatusUnauthorized,
			"credential does not carry the required scopes [%s]", strings.Join(need.Strings(), " "))
	}

	res, err := e.resolve(ctx, path)
	if err != nil {
		return nil, err
	}

	allowed := res.allowed
	if caller.IsAdmin() {
		allowed = allowed.Union(authz.NewScopeSet(authz.ScopeCreateNode, authz.ScopeRegister))
	}
	if !allowed.HasAll(need) {
		return nil, errorf(http.StatusForbidden,
			"access to this node does not include [%s]", strings.Join(need.Strings(), " "))
	}
	return res, nil
}

// dataAdapter instantiates the adapter serving a stored leaf's first data
// source.
func (e *Engine) dataAdapter(ctx context.Context, node *catalog.Node) (adapter.Adapter, error) {
	if node.IsContainer() {
		return e.containerAdapter(ctx, node, nil)
	}
	if len(node.DataSources) == 0 {
		return nil, errorf(http.StatusConflict, "node %q has no data source", node.Path())
	}
	return e.adapters.New(ctx, adapter.NodeInfo{
		Key:             node.Key,
		StructureFamily: node.StructureFamily,
		Structure:       node.Structure(),
		Metadata:        node.Metadata,
		Specs:           node.Specs,
		DataSource:      node.DataSources[0],
	})
}

// containerAdapter returns the caller-filtered container view of node.
// Every listing, lookup and search in the subtree sees only children whose
// blob grants the caller read:metadata.
func (e *Engine) containerAdapter(ctx context.Context, node *catalog.Node, extra []query.Query) (*catalog.ContainerAdapter, error) {
	caller := authz.CallerFrom(ctx)
	filters, err := e.policy.Filters(ctx, caller, authz.NewScopeSet(authz.ScopeReadMetadata))
	if err != nil {
		return nil, err
	}
	filters = append(filters, extra...)
	return catalog.NewContainerAdapter(e.store, node, e.childFactory(), filters), nil
}

// childFactory hands stored leaves to the adapter registry.
func (e *Engine) childFactory() catalog.ChildFactory {
	return func(ctx context.Context, node *catalog.Node) (adapter.Adapter, error) {
		return e.dataAdapter(ctx, node)
	}
}
