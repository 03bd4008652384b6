package catalog

import (
	"context"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// ChildFactory instantiates the data adapter for a stored leaf node.
type ChildFactory func(ctx context.Context, node *Node) (adapter.Adapter, error)

// ContainerAdapter serves a stored container node through the Container
// interface. Listings and lookups run against the store; leaves are handed
// to the child factory. Filters carry the caller's access restriction and
// any search terms, and apply at every level of the subtree.
type ContainerAdapter struct {
	store   *Store
	node    *Node
	leaves  ChildFactory
	filters []query.Query
	sorting []structure.SortKey
}

// NewContainerAdapter returns a container view of node restricted by
// filters.
func NewContainerAdapter(store *Store, node *Node, leaves ChildFactory, filters []query.Query) *ContainerAdapter {
	return &ContainerAdapter{
		store:   store,
		node:    node,
		leaves:  leaves,
		filters: filters,
		sorting: node.Sorting,
	}
}

// Node returns the stored node this container serves.
func (c *ContainerAdapter) Node() *Node {
	return c.node
}

func (c *ContainerAdapter) StructureFamily() structure.Family {
	return c.node.StructureFamily
}

func (c *ContainerAdapter) Structure() structure.Structure {
	return c.node.Structure()
}

func (c *ContainerAdapter) Metadata() map[string]any {
	return c.node.Metadata
}

// Lookup descends the key path, honoring the filters at every level so
// restricted nodes are indistinguishable from absent ones.
func (c *ContainerAdapter) Lookup(ctx context.Context, segments []string) (adapter.Adapter, error) {
	if len(segments) == 0 {
		return c, nil
	}
	node := c.node
	for i, segment := range segments {
		child, err := c.lookupChild(ctx, node, segment)
		if err != nil {
			return nil, err
		}
		if i == len(segments)-1 {
			node = child
			break
		}
		if !child.IsContainer() {
			return nil, adapter.NewNotFoundError("key", segments[i+1])
		}
		node = child
	}
	if node.IsContainer() {
		return NewContainerAdapter(c.store, node, c.leaves, c.filters), nil
	}
	return c.leaves(ctx, node)
}

// lookupChild fetches one child by key through the filter predicates.
func (c *ContainerAdapter) lookupChild(ctx context.Context, parent *Node, key string) (*Node, error) {
	filters := make([]query.Query, 0, len(c.filters)+1)
	filters = append(filters, c.filters...)
	filters = append(filters, query.KeysFilter{Keys: []string{key}})

	nodes, err := c.store.ItemsRange(ctx, parent.Path(), 0, 1, nil, filters)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, adapter.NewNotFoundError("key", key)
	}
	return nodes[0], nil
}

func (c *ContainerAdapter) KeysRange(ctx context.Context, offset, limit int) ([]string, error) {
	return c.store.KeysRange(ctx, c.node.Path(), offset, limit, c.sorting, c.filters)
}

func (c *ContainerAdapter) ItemsRange(ctx context.Context, offset, limit int) ([]adapter.Item, error) {
	nodes, err := c.store.ItemsRange(ctx, c.node.Path(), offset, limit, c.sorting, c.filters)
	if err != nil {
		return nil, err
	}
	items := make([]adapter.Item, 0, len(nodes))
	for _, node := range nodes {
		var child adapter.Adapter
		if node.IsContainer() {
			child = NewContainerAdapter(c.store, node, c.leaves, c.filters)
		} else {
			child, err = c.leaves(ctx, node)
			if err != nil {
				return nil, err
			}
		}
		items = append(items, adapter.Item{Key: node.Key, Adapter: child})
	}
	return items, nil
}

func (c *ContainerAdapter) Len(ctx context.Context) (int64, error) {
	return c.store.Len(ctx, c.node.Path(), c.filters)
}

func (c *ContainerAdapter) LenLowerBound(ctx context.Context, threshold int64) (int64, bool, error) {
	return c.store.LenLowerBound(ctx, c.node.Path(), threshold, c.filters)
}

// Search returns a view narrowed by q. The underlying node is shared; only
// the filter list grows.
func (c *ContainerAdapter) Search(ctx context.Context, q query.Query) (adapter.Container, error) {
	filters := make([]query.Query, 0, len(c.filters)+1)
	filters = append(filters, c.filters...)
	filters = append(filters, q)
	view := *c
	view.filters = filters
	return &view, nil
}

// Sort returns a view ordered by keys instead of the node's own sorting.
func (c *ContainerAdapter) Sort(ctx context.Context, keys []structure.SortKey) (adapter.Container, error) {
	view := *c
	view.sorting = keys
	return &view, nil
}

// NodeAdapter presents a stored node's catalog row through the Adapter
// interface without opening its data. Listings use it for children whose
// bytes are not being read.
type NodeAdapter struct {
	node *Node
}

// NewNodeAdapter returns a metadata-only adapter for node.
func NewNodeAdapter(node *Node) *NodeAdapter {
	return &NodeAdapter{node: node}
}

// Node returns the underlying stored node.
func (a *NodeAdapter) Node() *Node {
	return a.node
}

func (a *NodeAdapter) StructureFamily() structure.Family {
	return a.node.StructureFamily
}

func (a *NodeAdapter) Structure() structure.Structure {
	return a.node.Structure()
}

func (a *NodeAdapter) Metadata() map[string]any {
	return a.node.Metadata
}
