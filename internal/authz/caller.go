package authz

import (
	"context"

	"github.com/google/uuid"
)

// PrincipalType distinguishes human principals from service principals.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
)

// Caller is the authenticated identity a request acts as. The zero value is
// an anonymous caller with no scopes.
type Caller struct {
	PrincipalID uuid.UUID
	Type        PrincipalType

	// Identities holds the external identity ids (e.g. usernames) linked to
	// the principal. Access blobs and tag registries refer to these.
	Identities []string

	// Scopes the credential carries. For API keys with the inherit
	// metascope these are the principal's scopes resolved at use time.
	Scopes ScopeSet

	// KeyTags restricts an API key to a tag subset. nil means unrestricted;
	// an empty non-nil slice grants access through no tags at all.
	KeyTags []string

	Anonymous bool
}

// AnonymousCaller returns the caller representing an unauthenticated request.
func AnonymousCaller() Caller {
	return Caller{Anonymous: true, Scopes: NewScopeSet()}
}

// IsAdmin reports whether the caller holds the admin scope.
func (c Caller) IsAdmin() bool {
	return c.Scopes.Has(ScopeAdminAPIKeys)
}

// TagRestricted reports whether an API-key tag restriction is in force.
func (c Caller) TagRestricted() bool {
	return c.KeyTags != nil
}

// KeyTagAllowed reports whether the restriction admits the given tag.
// Unrestricted callers admit every tag.
func (c Caller) KeyTagAllowed(tag string) bool {
	if !c.TagRestricted() {
		return true
	}
	for _, t := range c.KeyTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Identifiers returns every string the caller may be known by in access
// blobs: linked identities plus the principal uuid.
func (c Caller) Identifiers() []string {
	if c.Anonymous {
		return nil
	}
	out := make([]string, 0, len(c.Identities)+1)
	out = append(out, c.Identities...)
	if c.PrincipalID != uuid.Nil {
		out = append(out, c.PrincipalID.String())
	}
	return out
}

// Owns reports whether the blob's user field names this caller.
func (c Caller) Owns(blob AccessBlob) bool {
	if !blob.IsUserOwned() {
		return false
	}
	for _, id := range c.Identifiers() {
		if id == blob.User {
			return true
		}
	}
	return false
}

type callerContextKey struct{}

// WithCaller attaches the caller to a request context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFrom extracts the caller from a request context, defaulting to the
// anonymous caller.
func CallerFrom(ctx context.Context) Caller {
	if caller, ok := ctx.Value(callerContextKey{}).(Caller); ok {
		return caller
	}
	return AnonymousCaller()
}
