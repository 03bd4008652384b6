// Package validation runs spec validators against node metadata before it
// is written. A validator may normalize the metadata by returning a
// replacement map; returning nil keeps the submitted metadata unchanged.
package validation

import (
	"fmt"
	"sync"

	"github.com/trellisdata/trellis/pkg/structure"
)

// Validator checks metadata for one declared spec. It returns a replacement
// metadata map to normalize the document, or nil to accept it as-is.
type Validator func(metadata map[string]any, family structure.Family, st structure.Structure, spec structure.Spec) (map[string]any, error)

// Error marks a validation failure the client can fix. Handlers translate
// it to 400; any other validator error is treated as a server fault.
type Error struct {
	Spec   string
	Reason string
}

func (e *Error) Error() string {
	if e.Spec == "" {
		return e.Reason
	}
	return fmt.Sprintf("spec %q: %s", e.Spec, e.Reason)
}

// Errorf builds a client-fixable validation failure.
func Errorf(spec, format string, args ...any) *Error {
	return &Error{Spec: spec, Reason: fmt.Sprintf(format, args...)}
}

// Registry holds validators keyed by spec name. It is populated at startup
// and read-only afterwards. RejectUndeclared makes specs without a
// registered validator a client error instead of passing them through.
type Registry struct {
	mu               sync.RWMutex
	validators       map[string]Validator
	RejectUndeclared bool
}

// NewRegistry creates an empty validation registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register registers a validator for a spec name, replacing any previous
// registration.
func (r *Registry) Register(specName string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators[specName] = v
}

// Lookup retrieves the validator registered for a spec name.
func (r *Registry) Lookup(specName string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[specName]
	return v, ok
}

// Run applies the validators for the declared specs in reverse declaration
// order, threading any normalized metadata into the next validator. It
// returns the final metadata and whether any validator modified it.
func (r *Registry) Run(metadata map[string]any, family structure.Family, st structure.Structure, specs []structure.Spec) (map[string]any, bool, error) {
	modified := false
	for i := len(specs) - 1; i >= 0; i-- {
		spec := specs[i]
		v, ok := r.Lookup(spec.Name)
		if !ok {
			if r.RejectUndeclared {
				return nil, false, &Error{Spec: spec.Name, Reason: "no validator is registered for this spec"}
			}
			continue
		}
		normalized, err := v(metadata, family, st, spec)
		if err != nil {
			return nil, false, err
		}
		if normalized != nil {
			metadata = normalized
			modified = true
		}
	}
	return metadata, modified, nil
}

// globalRegistry is the default validation registry; embedders register
// validators here before the server starts.
var globalRegistry = NewRegistry()

// Register registers a validator in the global registry.
func Register(specName string, v Validator) {
	globalRegistry.Register(specName, v)
}

// GlobalRegistry returns the global validation registry.
func GlobalRegistry() *Registry {
	return globalRegistry
}
