package authz

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/trellisdata/trellis/pkg/query"
)

// tagsFile is the YAML layout of the tag registry. Groups and roles are
// expanded at compile time; the running policy only ever consults the
// compiled per-tag, per-identity grants.
type tagsFile struct {
	Roles  map[string]roleDef  `yaml:"roles"`
	Groups map[string]groupDef `yaml:"groups"`
	Tags   map[string]tagDef   `yaml:"tags"`
}

type roleDef struct {
	Scopes []string `yaml:"scopes"`
}

type groupDef struct {
	Members []string `yaml:"members"`
}

type tagDef struct {
	Members []memberDef `yaml:"members"`
}

// memberDef grants scopes on a tag to one identity or one group. Exactly
// one of ID or Group is set, and exactly one of Role or Scopes.
type memberDef struct {
	ID     string   `yaml:"id"`
	Group  string   `yaml:"group"`
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes"`
}

// Registry holds the compiled tag grants.
type Registry struct {
	grants map[string]map[string]ScopeSet // tag → identity → scopes
}

// LoadRegistry reads and compiles a tag registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag registry: %w", err)
	}

	var file tagsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tag registry: %w", err)
	}

	return compileRegistry(&file)
}

func compileRegistry(file *tagsFile) (*Registry, error) {
	roles := make(map[string]ScopeSet, len(file.Roles))
	for name, def := range file.Roles {
		scopes, err := ParseScopeSet(def.Scopes)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", name, err)
		}
		roles[name] = scopes
	}

	registry := &Registry{grants: make(map[string]map[string]ScopeSet, len(file.Tags))}

	for tag, def := range file.Tags {
		if tag == PublicTag {
			return nil, fmt.Errorf("tag %q is reserved and cannot be defined in the registry", PublicTag)
		}
		grants := make(map[string]ScopeSet)

		for i, member := range def.Members {
			if (member.ID == "") == (member.Group == "") {
				return nil, fmt.Errorf("tag %q member %d: exactly one of id or group is required", tag, i)
			}
			if (member.Role == "") == (len(member.Scopes) == 0) {
				return nil, fmt.Errorf("tag %q member %d: exactly one of role or scopes is required", tag, i)
			}

			var scopes ScopeSet
			if member.Role != "" {
				role, ok := roles[member.Role]
				if !ok {
					return nil, fmt.Errorf("tag %q member %d: unknown role %q", tag, i, member.Role)
				}
				scopes = role
			} else {
				parsed, err := ParseScopeSet(member.Scopes)
				if err != nil {
					return nil, fmt.Errorf("tag %q member %d: %w", tag, i, err)
				}
				scopes = parsed
			}

			var identities []string
			if member.ID != "" {
				identities = []string{member.ID}
			} else {
				group, ok := file.Groups[member.Group]
				if !ok {
					return nil, fmt.Errorf("tag %q member %d: unknown group %q", tag, i, member.Group)
				}
				identities = group.Members
			}

			for _, identity := range identities {
				if existing, ok := grants[identity]; ok {
					grants[identity] = existing.Union(scopes)
				} else {
					grants[identity] = scopes.Clone()
				}
			}
		}

		registry.grants[tag] = grants
	}

	return registry, nil
}

// HasTag reports whether the registry defines the tag.
func (r *Registry) HasTag(tag string) bool {
	_, ok := r.grants[tag]
	return ok
}

// Grant returns the scopes the tag grants the identity, or nil.
func (r *Registry) Grant(tag, identity string) ScopeSet {
	grants, ok := r.grants[tag]
	if !ok {
		return nil
	}
	return grants[identity]
}

// GrantAny returns the union of grants across the given identities.
func (r *Registry) GrantAny(tag string, identities []string) ScopeSet {
	out := NewScopeSet()
	for _, identity := range identities {
		if g := r.Grant(tag, identity); g != nil {
			out = out.Union(g)
		}
	}
	return out
}

// TagsGranting returns the sorted tags whose grant to any of the identities
// covers every required scope.
func (r *Registry) TagsGranting(identities []string, required ScopeSet) []string {
	var out []string
	for tag := range r.grants {
		if r.GrantAny(tag, identities).HasAll(required) {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// TagPolicy evaluates access blobs against the compiled tag registry.
type TagPolicy struct {
	registry  *Registry
	maxScopes ScopeSet
}

// NewTagPolicy loads the registry file and builds the policy. maxScopes
// caps every grant the policy can hand out; nil means all scopes.
func NewTagPolicy(path string, maxScopes ScopeSet) (*TagPolicy, error) {
	registry, err := LoadRegistry(path)
	if err != nil {
		return nil, err
	}
	return NewTagPolicyFromRegistry(registry, maxScopes), nil
}

// NewTagPolicyFromRegistry builds the policy from an in-memory registry.
func NewTagPolicyFromRegistry(registry *Registry, maxScopes ScopeSet) *TagPolicy {
	if maxScopes == nil {
		maxScopes = AllScopes()
	}
	return &TagPolicy{registry: registry, maxScopes: maxScopes}
}

// InitNode validates the blob for a node being created. An empty blob
// normalizes to caller ownership. Non-admins may only apply tags they are
// members of, and must retain enough access to manage the node they made.
func (p *TagPolicy) InitNode(ctx context.Context, caller Caller, blob AccessBlob) (AccessBlob, error) {
	if blob.IsZero() {
		blob = defaultBlob(caller)
	}
	if err := blob.Validate(); err != nil {
		return AccessBlob{}, err
	}

	if err := p.checkTags(caller, blob.Tags); err != nil {
		return AccessBlob{}, err
	}

	if !caller.IsAdmin() {
		if blob.IsUserOwned() {
			if !caller.Owns(blob) {
				return AccessBlob{}, fmt.Errorf("%w: cannot create a node owned by another principal", ErrForbidden)
			}
			blob.User = canonicalIdentity(caller)
		}
		if err := p.checkLockout(ctx, caller, blob); err != nil {
			return AccessBlob{}, err
		}
	}

	return blob, nil
}

// ModifyNode validates a change of an existing node's blob.
func (p *TagPolicy) ModifyNode(ctx context.Context, caller Caller, current, proposed AccessBlob) (AccessBlob, error) {
	if proposed.IsZero() {
		return current, nil
	}
	if err := proposed.Validate(); err != nil {
		return AccessBlob{}, err
	}

	if err := p.checkTags(caller, proposed.Tags); err != nil {
		return AccessBlob{}, err
	}

	if !caller.IsAdmin() {
		if proposed.IsUserOwned() {
			if !caller.Owns(proposed) {
				return AccessBlob{}, fmt.Errorf("%w: cannot transfer ownership to another principal", ErrForbidden)
			}
			proposed.User = canonicalIdentity(caller)
		}
		if err := p.checkLockout(ctx, caller, proposed); err != nil {
			return AccessBlob{}, err
		}
	}

	return proposed, nil
}

// AllowedScopes computes the blob's grant to the caller: public read scopes
// for the public tag, the full capped set for an unrestricted owner, and
// the union of registry grants over the blob's tags otherwise. An API-key
// tag restriction removes owner privilege and non-listed tags.
func (p *TagPolicy) AllowedScopes(ctx context.Context, caller Caller, blob AccessBlob) (ScopeSet, error) {
	scopes := NewScopeSet()

	if blob.IsPublic() {
		scopes = scopes.Union(PublicTagScopes())
	}

	if caller.Anonymous {
		return scopes.Intersect(p.maxScopes), nil
	}

	if caller.Owns(blob) && !caller.TagRestricted() {
		return p.maxScopes.Clone(), nil
	}

	identifiers := caller.Identifiers()
	for _, tag := range blob.Tags {
		if tag == PublicTag {
			continue
		}
		if !caller.KeyTagAllowed(tag) {
			continue
		}
		scopes = scopes.Union(p.registry.GrantAny(tag, identifiers))
	}

	return scopes.Intersect(p.maxScopes), nil
}

// Filters narrows listings to rows the caller can see with the required
// scopes: rows they own (unless tag-restricted) or rows carrying a tag
// whose grant covers the requirement.
func (p *TagPolicy) Filters(ctx context.Context, caller Caller, required ScopeSet) ([]query.Query, error) {
	if !p.maxScopes.HasAll(required) {
		return []query.Query{query.NoAccess{}}, nil
	}

	var tags []string
	if PublicTagScopes().HasAll(required) {
		tags = append(tags, PublicTag)
	}

	if caller.Anonymous {
		if len(tags) == 0 {
			return []query.Query{query.NoAccess{}}, nil
		}
		return []query.Query{query.AccessBlobFilter{Tags: tags}}, nil
	}

	identifiers := caller.Identifiers()
	for _, tag := range p.registry.TagsGranting(identifiers, required) {
		if caller.KeyTagAllowed(tag) {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	userID := ""
	if !caller.TagRestricted() {
		userID = canonicalIdentity(caller)
	}

	if len(tags) == 0 && userID == "" {
		return []query.Query{query.NoAccess{}}, nil
	}

	return []query.Query{query.AccessBlobFilter{UserID: userID, Tags: tags}}, nil
}

// checkTags verifies every tag exists and, for non-admins, that the caller
// is a member of it. The public tag is always admissible.
func (p *TagPolicy) checkTags(caller Caller, tags []string) error {
	identifiers := caller.Identifiers()
	for _, tag := range tags {
		if tag == PublicTag {
			continue
		}
		if !p.registry.HasTag(tag) {
			return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
		if caller.IsAdmin() {
			continue
		}
		if len(p.registry.GrantAny(tag, identifiers)) == 0 {
			return fmt.Errorf("%w: not a member of tag %q", ErrForbidden, tag)
		}
	}
	return nil
}

// checkLockout rejects blobs that would leave the caller unable to read
// and update the node.
func (p *TagPolicy) checkLockout(ctx context.Context, caller Caller, blob AccessBlob) error {
	scopes, err := p.AllowedScopes(ctx, caller, blob)
	if err != nil {
		return err
	}
	if !scopes.HasAll(mutationScopes()) {
		return ErrSelfLockout
	}
	return nil
}

// canonicalIdentity is the identifier written into user-owned blobs: the
// first linked identity, falling back to the principal uuid.
func canonicalIdentity(caller Caller) string {
	ids := caller.Identifiers()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
