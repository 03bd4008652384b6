package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry manages the registration and retrieval of adapter factories and
// data-source generators, keyed by mimetype. Mimetypes are case-sensitive.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	generators map[string]DataSourceGenerator
}

// NewRegistry creates a new adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		generators: make(map[string]DataSourceGenerator),
	}
}

// Register registers a factory for a mimetype.
// If a factory for the same mimetype is already registered, it is replaced.
func (r *Registry) Register(mimetype string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[mimetype] = factory
}

// RegisterGenerator registers a data-source generator for a mimetype.
func (r *Registry) RegisterGenerator(mimetype string, generator DataSourceGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generators[mimetype] = generator
}

// Lookup retrieves the factory registered for a mimetype.
// Returns a NotFoundError wrapping ErrAdapterNotFound when none exists.
func (r *Registry) Lookup(mimetype string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[mimetype]
	if !exists {
		return nil, NewNotFoundError("mimetype", mimetype)
	}

	return factory, nil
}

// LookupGenerator retrieves the data-source generator for a mimetype.
func (r *Registry) LookupGenerator(mimetype string) (DataSourceGenerator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	generator, exists := r.generators[mimetype]
	if !exists {
		return nil, NewNotFoundError("mimetype", mimetype)
	}

	return generator, nil
}

// New instantiates an adapter for the node using the factory registered for
// its data source's mimetype.
func (r *Registry) New(ctx context.Context, node NodeInfo) (Adapter, error) {
	factory, err := r.Lookup(node.DataSource.Mimetype)
	if err != nil {
		return nil, err
	}

	a, err := factory(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate adapter for %s: %w", node.DataSource.Mimetype, err)
	}

	return a, nil
}

// IsRegistered checks if a factory is registered for the given mimetype.
func (r *Registry) IsRegistered(mimetype string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[mimetype]
	return exists
}

// ListRegistered returns all registered mimetypes, sorted.
func (r *Registry) ListRegistered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mimetypes := make([]string, 0, len(r.factories))
	for mimetype := range r.factories {
		mimetypes = append(mimetypes, mimetype)
	}
	sort.Strings(mimetypes)

	return mimetypes
}

// Unregister removes a factory from the registry.
func (r *Registry) Unregister(mimetype string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, mimetype)
	delete(r.generators, mimetype)
}

// globalRegistry is the default global adapter registry.
var globalRegistry = NewRegistry()

// Register registers a factory in the global registry.
func Register(mimetype string, factory Factory) {
	globalRegistry.Register(mimetype, factory)
}

// RegisterGenerator registers a data-source generator in the global registry.
func RegisterGenerator(mimetype string, generator DataSourceGenerator) {
	globalRegistry.RegisterGenerator(mimetype, generator)
}

// Lookup retrieves a factory from the global registry.
func Lookup(mimetype string) (Factory, error) {
	return globalRegistry.Lookup(mimetype)
}

// LookupGenerator retrieves a data-source generator from the global registry.
func LookupGenerator(mimetype string) (DataSourceGenerator, error) {
	return globalRegistry.LookupGenerator(mimetype)
}

// New instantiates an adapter using the global registry.
func New(ctx context.Context, node NodeInfo) (Adapter, error) {
	return globalRegistry.New(ctx, node)
}

// IsRegistered checks the global registry for a mimetype.
func IsRegistered(mimetype string) bool {
	return globalRegistry.IsRegistered(mimetype)
}

// ListRegistered returns all mimetypes in the global registry.
func ListRegistered() []string {
	return globalRegistry.ListRegistered()
}

// GlobalRegistry returns the global adapter registry.
func GlobalRegistry() *Registry {
	return globalRegistry
}
