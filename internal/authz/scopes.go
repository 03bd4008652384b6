package authz

import (
	"fmt"
	"sort"
)

// Scope names one permission checked against routes and node access blobs.
type Scope string

const (
	ScopeReadMetadata    Scope = "read:metadata"
	ScopeReadData        Scope = "read:data"
	ScopeWriteMetadata   Scope = "write:metadata"
	ScopeWriteData       Scope = "write:data"
	ScopeCreateNode      Scope = "create:node"
	ScopeDeleteNode      Scope = "delete:node"
	ScopeDeleteRevision  Scope = "delete:revision"
	ScopeRegister        Scope = "register"
	ScopeMetrics         Scope = "metrics"
	ScopeCreateAPIKeys   Scope = "create:apikeys"
	ScopeRevokeAPIKeys   Scope = "revoke:apikeys"
	ScopeAdminAPIKeys    Scope = "admin:apikeys"
	ScopeReadPrincipals  Scope = "read:principals"
	ScopeWritePrincipals Scope = "write:principals"
)

// ScopeInherit is the API-key metascope that resolves to the issuing
// principal's scopes at time of use.
const ScopeInherit Scope = "inherit"

// allScopes lists every defined scope.
var allScopes = []Scope{
	ScopeReadMetadata,
	ScopeReadData,
	ScopeWriteMetadata,
	ScopeWriteData,
	ScopeCreateNode,
	ScopeDeleteNode,
	ScopeDeleteRevision,
	ScopeRegister,
	ScopeMetrics,
	ScopeCreateAPIKeys,
	ScopeRevokeAPIKeys,
	ScopeAdminAPIKeys,
	ScopeReadPrincipals,
	ScopeWritePrincipals,
}

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	for _, known := range allScopes {
		if scope == known {
			return scope, nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ScopeSet is an unordered set of scopes.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a set from the given scopes.
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// ParseScopeSet builds a set from scope names, rejecting unknown ones.
func ParseScopeSet(names []string) (ScopeSet, error) {
	set := make(ScopeSet, len(names))
	for _, name := range names {
		scope, err := ParseScope(name)
		if err != nil {
			return nil, err
		}
		set[scope] = struct{}{}
	}
	return set, nil
}

// AllScopes returns the full scope set.
func AllScopes() ScopeSet {
	return NewScopeSet(allScopes...)
}

// DefaultUserScopes returns the scopes granted to an ordinary authenticated
// principal.
func DefaultUserScopes() ScopeSet {
	return NewScopeSet(
		ScopeReadMetadata,
		ScopeReadData,
		ScopeWriteMetadata,
		ScopeWriteData,
		ScopeCreateNode,
		ScopeDeleteNode,
		ScopeDeleteRevision,
		ScopeRegister,
		ScopeMetrics,
		ScopeCreateAPIKeys,
		ScopeRevokeAPIKeys,
	)
}

// PublicTagScopes returns the scopes the literal tag "public" confers on
// any principal.
func PublicTagScopes() ScopeSet {
	return NewScopeSet(ScopeReadMetadata, ScopeReadData)
}

// Has reports whether the set contains scope.
func (s ScopeSet) Has(scope Scope) bool {
	_, ok := s[scope]
	return ok
}

// HasAll reports whether the set contains every scope in other.
func (s ScopeSet) HasAll(other ScopeSet) bool {
	for scope := range other {
		if !s.Has(scope) {
			return false
		}
	}
	return true
}

// Add inserts the given scopes.
func (s ScopeSet) Add(scopes ...Scope) {
	for _, scope := range scopes {
		s[scope] = struct{}{}
	}
}

// Union returns a new set holding both operands' scopes.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	out := make(ScopeSet, len(s)+len(other))
	for scope := range s {
		out[scope] = struct{}{}
	}
	for scope := range other {
		out[scope] = struct{}{}
	}
	return out
}

// Intersect returns a new set holding the scopes present in both operands.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make(ScopeSet)
	for scope := range s {
		if other.Has(scope) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// List returns the scopes sorted by name.
func (s ScopeSet) List() []Scope {
	out := make([]Scope, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted scope names.
func (s ScopeSet) Strings() []string {
	scopes := s.List()
	out := make([]string, len(scopes))
	for i, scope := range scopes {
		out[i] = string(scope)
	}
	return out
}

// Clone returns a copy of the set.
func (s ScopeSet) Clone() ScopeSet {
	out := make(ScopeSet, len(s))
	for scope := range s {
		out[scope] = struct{}{}
	}
	return out
}
