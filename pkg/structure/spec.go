package structure

import "fmt"

// MaxSpecs bounds the number of specs a single node may declare.
const MaxSpecs = 20

// Spec is a named, optionally versioned tag attached to a node. Specs
// select validators on write and serializers on read.
type Spec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ValidateSpecs enforces the node-level spec rules: a bounded count and
// unique, non-empty names.
func ValidateSpecs(specs []Spec) error {
	if len(specs) > MaxSpecs {
		return fmt.Errorf("node declares %d specs; at most %d are allowed", len(specs), MaxSpecs)
	}
	seen := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		if sp.Name == "" {
			return fmt.Errorf("spec with empty name")
		}
		if _, dup := seen[sp.Name]; dup {
			return fmt.Errorf("duplicate spec %q", sp.Name)
		}
		seen[sp.Name] = struct{}{}
	}
	return nil
}
