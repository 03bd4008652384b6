package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// containerStore holds the shared state behind every view of one container.
type containerStore struct {
	mu       sync.RWMutex
	metadata map[string]any
	specs    []structure.Spec
	keys     []string
	children map[string]adapter.Adapter
}

// Container is an in-memory container of named child adapters. Children
// list in insertion order unless a sort is applied. Search and Sort return
// views sharing the same backing store.
type Container struct {
	store   *containerStore
	filters []query.Query
	sorting []structure.SortKey
}

// NewContainer returns an empty container.
func NewContainer(metadata map[string]any) *Container {
	return &Container{
		store: &containerStore{
			metadata: metadata,
			children: make(map[string]adapter.Adapter),
		},
	}
}

// Set adds or replaces the child under key.
func (c *Container) Set(key string, child adapter.Adapter) error {
	if key == "" || strings.ContainsAny(key, "/\x00") {
		return fmt.Errorf("invalid child key %q", key)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, exists := c.store.children[key]; !exists {
		c.store.keys = append(c.store.keys, key)
	}
	c.store.children[key] = child
	return nil
}

// Delete removes the child under key if present.
func (c *Container) Delete(key string) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, exists := c.store.children[key]; !exists {
		return
	}
	delete(c.store.children, key)
	for i, k := range c.store.keys {
		if k == key {
			c.store.keys = append(c.store.keys[:i], c.store.keys[i+1:]...)
			break
		}
	}
}

func (c *Container) StructureFamily() structure.Family {
	return structure.FamilyContainer
}

func (c *Container) Structure() structure.Structure {
	return structure.FromContainer(structure.NewContainerStructure())
}

func (c *Container) Metadata() map[string]any {
	return c.store.metadata
}

// Specs returns the validation specs declared for this container.
func (c *Container) Specs() []structure.Spec {
	return c.store.specs
}

// SetSpecs declares validation specs, visible to spec queries.
func (c *Container) SetSpecs(specs []structure.Spec) {
	c.store.specs = specs
}

// visibleKeys lists the keys passing the view's filters, ordered by the
// view's sorting.
func (c *Container) visibleKeys() ([]string, error) {
	if query.ContainsNoAccess(c.filters) {
		return nil, nil
	}
	keys := make([]string, 0, len(c.store.keys))
	for _, key := range c.store.keys {
		child := c.store.children[key]
		match := true
		for _, q := range c.filters {
			ok, err := matchQuery(q, key, child)
			if err != nil {
				return nil, err
			}
			if !ok {
				match = false
				break
			}
		}
		if match {
			keys = append(keys, key)
		}
	}
	c.sortKeys(keys)
	return keys, nil
}

// sortKeys orders keys by the view's sorting. Children missing a metadata
// sort key order last regardless of direction, matching catalog listings.
func (c *Container) sortKeys(keys []string) {
	if len(c.sorting) == 0 {
		return
	}
	pos := make(map[string]int, len(c.store.keys))
	for i, k := range c.store.keys {
		pos[k] = i
	}
	sort.SliceStable(keys, func(i, j int) bool {
		for _, sk := range c.sorting {
			var cmp int
			if sk.Key == structure.InsertionOrderKey {
				cmp = pos[keys[i]] - pos[keys[j]]
			} else {
				av, aok := lookupMetadata(c.store.children[keys[i]].Metadata(), sk.Key)
				bv, bok := lookupMetadata(c.store.children[keys[j]].Metadata(), sk.Key)
				switch {
				case !aok && !bok:
					continue
				case !aok:
					return false
				case !bok:
					return true
				}
				cmp, _ = compareValues(av, bv)
			}
			if cmp == 0 {
				continue
			}
			if sk.Ascending() {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

// childView wraps child containers so the view's filters keep applying
// down the subtree.
func (c *Container) childView(child adapter.Adapter) adapter.Adapter {
	sub, ok := child.(*Container)
	if !ok || len(c.filters) == 0 {
		return child
	}
	filters := make([]query.Query, 0, len(sub.filters)+len(c.filters))
	filters = append(filters, sub.filters...)
	filters = append(filters, c.filters...)
	return &Container{store: sub.store, filters: filters, sorting: sub.sorting}
}

// Lookup descends the key path, honoring the filters at every level so
// restricted children are indistinguishable from absent ones.
func (c *Container) Lookup(ctx context.Context, segments []string) (adapter.Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return c, nil
	}
	key := segments[0]
	c.store.mu.RLock()
	child, exists := c.store.children[key]
	if exists {
		for _, q := range c.filters {
			ok, err := matchQuery(q, key, child)
			if err != nil {
				c.store.mu.RUnlock()
				return nil, err
			}
			if !ok {
				exists = false
				break
			}
		}
	}
	c.store.mu.RUnlock()
	if !exists {
		return nil, adapter.NewNotFoundError("key", key)
	}
	child = c.childView(child)
	if len(segments) == 1 {
		return child, nil
	}
	sub, ok := child.(adapter.Container)
	if !ok {
		return nil, adapter.NewNotFoundError("key", segments[1])
	}
	return sub.Lookup(ctx, segments[1:])
}

func (c *Container) KeysRange(ctx context.Context, offset, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	keys, err := c.visibleKeys()
	if err != nil {
		return nil, err
	}
	return window(keys, offset, limit), nil
}

func (c *Container) ItemsRange(ctx context.Context, offset, limit int) ([]adapter.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	keys, err := c.visibleKeys()
	if err != nil {
		return nil, err
	}
	items := make([]adapter.Item, 0, limit)
	for _, key := range window(keys, offset, limit) {
		items = append(items, adapter.Item{Key: key, Adapter: c.childView(c.store.children[key])})
	}
	return items, nil
}

func (c *Container) Len(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	keys, err := c.visibleKeys()
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (c *Container) LenLowerBound(ctx context.Context, threshold int64) (int64, bool, error) {
	n, err := c.Len(ctx)
	if err != nil {
		return 0, false, err
	}
	if n > threshold {
		return threshold + 1, false, nil
	}
	return n, true, nil
}

// Search returns a view narrowed by q.
func (c *Container) Search(ctx context.Context, q query.Query) (adapter.Container, error) {
	filters := make([]query.Query, 0, len(c.filters)+1)
	filters = append(filters, c.filters...)
	filters = append(filters, q)
	return &Container{store: c.store, filters: filters, sorting: c.sorting}, nil
}

// Sort returns a view ordered by keys.
func (c *Container) Sort(ctx context.Context, keys []structure.SortKey) (adapter.Container, error) {
	return &Container{store: c.store, filters: c.filters, sorting: keys}, nil
}

// window selects [offset, offset+limit) with python-style clamping; a
// negative limit selects to the end.
func window(keys []string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(keys) {
		return nil
	}
	end := len(keys)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return keys[offset:end]
}
