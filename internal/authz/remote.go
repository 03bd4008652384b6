package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trellisdata/trellis/pkg/logger"
	"github.com/trellisdata/trellis/pkg/query"
)

// RemotePolicyConfig wires the three decision endpoints of an external
// authorization service.
type RemotePolicyConfig struct {
	// CreateURL decides and normalizes blobs on node create/modify.
	CreateURL string
	// ScopesURL returns the scopes a blob grants a caller.
	ScopesURL string
	// TagsURL returns the tags (and owner id) visible to a caller for a
	// required scope set.
	TagsURL string

	Timeout time.Duration

	// EmptyAccessBlobPublic short-circuits blob-less nodes (the root before
	// initialization) to public locally, without a network call.
	EmptyAccessBlobPublic bool

	MaxScopes ScopeSet
}

// RemotePolicy delegates authorization decisions to an external HTTPS
// service. Timeouts, non-2xx statuses and malformed responses degrade to no
// access: reads see nothing and mutations are rejected, never the reverse.
type RemotePolicy struct {
	client          *http.Client
	createURL       string
	scopesURL       string
	tagsURL         string
	emptyBlobPublic bool
	maxScopes       ScopeSet
	logger          *logger.Logger
}

// NewRemotePolicy builds a RemotePolicy from config.
func NewRemotePolicy(cfg RemotePolicyConfig, log *logger.Logger) *RemotePolicy {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maxScopes := cfg.MaxScopes
	if maxScopes == nil {
		maxScopes = AllScopes()
	}
	return &RemotePolicy{
		client:          &http.Client{Timeout: timeout},
		createURL:       cfg.CreateURL,
		scopesURL:       cfg.ScopesURL,
		tagsURL:         cfg.TagsURL,
		emptyBlobPublic: cfg.EmptyAccessBlobPublic,
		maxScopes:       maxScopes,
		logger:          log,
	}
}

// callerPayload is the wire form of a caller in decision requests.
type callerPayload struct {
	PrincipalID string   `json:"principal_id,omitempty"`
	Type        string   `json:"type,omitempty"`
	Identities  []string `json:"identities,omitempty"`
	KeyTags     []string `json:"key_tags,omitempty"`
	Anonymous   bool     `json:"anonymous"`
}

func encodeCaller(caller Caller) callerPayload {
	p := callerPayload{
		Type:       string(caller.Type),
		Identities: caller.Identities,
		KeyTags:    caller.KeyTags,
		Anonymous:  caller.Anonymous,
	}
	if !caller.Anonymous {
		p.PrincipalID = caller.PrincipalID.String()
	}
	return p
}

// post sends one JSON decision request and decodes the JSON response into
// out. Every failure mode returns an error; callers choose the degraded
// result.
func (p *RemotePolicy) post(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode policy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("policy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode policy response: %w", err)
	}
	return nil
}

// InitNode delegates blob validation to the remote service.
func (p *RemotePolicy) InitNode(ctx context.Context, caller Caller, blob AccessBlob) (AccessBlob, error) {
	return p.decideBlob(ctx, "init", caller, AccessBlob{}, blob)
}

// ModifyNode delegates blob-change validation to the remote service.
func (p *RemotePolicy) ModifyNode(ctx context.Context, caller Caller, current, proposed AccessBlob) (AccessBlob, error) {
	if proposed.IsZero() {
		return current, nil
	}
	return p.decideBlob(ctx, "modify", caller, current, proposed)
}

func (p *RemotePolicy) decideBlob(ctx context.Context, action string, caller Caller, current, proposed AccessBlob) (AccessBlob, error) {
	payload := struct {
		Action   string        `json:"action"`
		Caller   callerPayload `json:"caller"`
		Current  *AccessBlob   `json:"current_blob,omitempty"`
		Proposed AccessBlob    `json:"proposed_blob"`
	}{
		Action:   action,
		Caller:   encodeCaller(caller),
		Proposed: proposed,
	}
	if !current.IsZero() {
		payload.Current = &current
	}

	var response struct {
		AccessBlob *AccessBlob `json:"access_blob"`
	}
	if err := p.post(ctx, p.createURL, payload, &response); err != nil {
		p.warnf("remote policy %s rejected by failure: %v", action, err)
		return AccessBlob{}, fmt.Errorf("%w: policy service unavailable", ErrForbidden)
	}
	if response.AccessBlob == nil {
		return AccessBlob{}, fmt.Errorf("%w: policy service returned no access blob", ErrForbidden)
	}
	if err := response.AccessBlob.Validate(); err != nil {
		return AccessBlob{}, err
	}
	return *response.AccessBlob, nil
}

// AllowedScopes asks the remote service which scopes the blob grants.
// Failure degrades to the empty set.
func (p *RemotePolicy) AllowedScopes(ctx context.Context, caller Caller, blob AccessBlob) (ScopeSet, error) {
	if blob.IsZero() && p.emptyBlobPublic {
		return PublicTagScopes().Intersect(p.maxScopes), nil
	}

	payload := struct {
		Caller     callerPayload `json:"caller"`
		AccessBlob AccessBlob    `json:"access_blob"`
	}{
		Caller:     encodeCaller(caller),
		AccessBlob: blob,
	}

	var response struct {
		Scopes []string `json:"scopes"`
	}
	if err := p.post(ctx, p.scopesURL, payload, &response); err != nil {
		p.warnf("remote policy scopes degraded to none: %v", err)
		return NewScopeSet(), nil
	}

	scopes := NewScopeSet()
	for _, name := range response.Scopes {
		scope, err := ParseScope(name)
		if err != nil {
			p.warnf("remote policy scopes degraded to none: %v", err)
			return NewScopeSet(), nil
		}
		scopes.Add(scope)
	}
	return scopes.Intersect(p.maxScopes), nil
}

// Filters asks the remote service which rows the caller may list. Failure
// degrades to NoAccess.
func (p *RemotePolicy) Filters(ctx context.Context, caller Caller, required ScopeSet) ([]query.Query, error) {
	if !p.maxScopes.HasAll(required) {
		return []query.Query{query.NoAccess{}}, nil
	}

	payload := struct {
		Caller callerPayload `json:"caller"`
		Scopes []string      `json:"scopes"`
	}{
		Caller: encodeCaller(caller),
		Scopes: required.Strings(),
	}

	var response struct {
		User string   `json:"user"`
		Tags []string `json:"tags"`
	}
	if err := p.post(ctx, p.tagsURL, payload, &response); err != nil {
		p.warnf("remote policy filters degraded to no access: %v", err)
		return []query.Query{query.NoAccess{}}, nil
	}

	if response.User == "" && len(response.Tags) == 0 {
		return []query.Query{query.NoAccess{}}, nil
	}
	return []query.Query{query.AccessBlobFilter{UserID: response.User, Tags: response.Tags}}, nil
}

func (p *RemotePolicy) warnf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Warnf(format, args...)
	}
}
