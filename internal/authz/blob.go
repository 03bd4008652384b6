package authz

import (
	"errors"
	"fmt"
)

// PublicTag is the literal tag that confers read scopes on any principal.
const PublicTag = "public"

// Blob validation errors.
var (
	// ErrInvalidBlob marks an access blob that is neither user-owned nor
	// tag-governed, or both at once.
	ErrInvalidBlob = errors.New("invalid access blob")

	// ErrUnknownTag marks a tag absent from the tag registry.
	ErrUnknownTag = errors.New("unknown tag")

	// ErrForbidden marks a policy rejection of a node mutation.
	ErrForbidden = errors.New("forbidden")

	// ErrSelfLockout marks a blob change that would drop the caller's own
	// access below read:metadata and write:metadata.
	ErrSelfLockout = errors.New("access blob change would lock the caller out")
)

// AccessBlob governs who may act on a node: exactly one of User (the owning
// principal) or Tags (named grants from the tag registry) is set.
type AccessBlob struct {
	User string   `json:"user,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// IsZero reports whether neither form is set.
func (b AccessBlob) IsZero() bool {
	return b.User == "" && len(b.Tags) == 0
}

// IsUserOwned reports whether the blob names an owning principal.
func (b AccessBlob) IsUserOwned() bool {
	return b.User != ""
}

// HasTag reports whether the blob carries the given tag.
func (b AccessBlob) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsPublic reports whether the blob carries the public tag.
func (b AccessBlob) IsPublic() bool {
	return b.HasTag(PublicTag)
}

// Validate enforces the exactly-one-form rule.
func (b AccessBlob) Validate() error {
	if b.User != "" && len(b.Tags) > 0 {
		return fmt.Errorf("%w: cannot set both user and tags", ErrInvalidBlob)
	}
	if b.User == "" && len(b.Tags) == 0 {
		return fmt.Errorf("%w: must set user or tags", ErrInvalidBlob)
	}
	seen := make(map[string]struct{}, len(b.Tags))
	for _, tag := range b.Tags {
		if tag == "" {
			return fmt.Errorf("%w: empty tag", ErrInvalidBlob)
		}
		if _, dup := seen[tag]; dup {
			return fmt.Errorf("%w: duplicate tag %q", ErrInvalidBlob, tag)
		}
		seen[tag] = struct{}{}
	}
	return nil
}
