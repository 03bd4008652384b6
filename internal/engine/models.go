package engine

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// documentResponse wraps a single node.
type documentResponse struct {
	Data  *nodeDocument     `json:"data"`
	Links map[string]string `json:"links,omitempty"`
	Meta  map[string]any    `json:"meta,omitempty"`
}

// listResponse wraps a page of nodes.
type listResponse struct {
	Data  []*nodeDocument   `json:"data"`
	Links map[string]string `json:"links,omitempty"`
	Meta  map[string]any    `json:"meta,omitempty"`
}

// nodeDocument is the wire form of one catalog node. The id is the node's
// key; the full path is recoverable from ancestors + id.
type nodeDocument struct {
	ID         string            `json:"id"`
	Attributes *nodeAttributes   `json:"attributes"`
	Links      map[string]string `json:"links,omitempty"`
}

// nodeAttributes carries the ?fields=-selected attributes. Metadata and
// Specs are any-typed so an empty selection still serializes as {} / [].
type nodeAttributes struct {
	Ancestors       []string          `json:"ancestors"`
	StructureFamily string            `json:"structure_family,omitempty"`
	Structure       map[string]any    `json:"structure,omitempty"`
	Metadata        any               `json:"metadata,omitempty"`
	Specs           any               `json:"specs,omitempty"`
	Sorting         [][]any           `json:"sorting,omitempty"`
	AccessBlob      *authz.AccessBlob `json:"access_blob,omitempty"`
	DataSources     []map[string]any  `json:"data_sources,omitempty"`
	TimeCreated     *time.Time        `json:"time_created,omitempty"`
	TimeUpdated     *time.Time        `json:"time_updated,omitempty"`
}

// buildNodeDocument renders a node under the request's field selection.
// structureOverride, when non-zero, replaces the node's stored structure;
// container handlers use it to attach counts and inlined contents.
func (e *Engine) buildNodeDocument(r *http.Request, node *catalog.Node, p listParams, structureOverride structure.Structure) (*nodeDocument, error) {
	attrs := &nodeAttributes{Ancestors: node.Ancestors}
	if attrs.Ancestors == nil {
		attrs.Ancestors = []string{}
	}
	f := p.fields

	if f.Has("structure_family") {
		attrs.StructureFamily = string(node.StructureFamily)
	}
	if f.Has("structure") || (f.Has("count") && node.IsContainer()) {
		st := structureOverride
		if st.IsZero() {
			st = node.Structure()
		}
		doc, err := structureDoc(st)
		if err != nil {
			return nil, err
		}
		attrs.Structure = doc
	}
	if f.Has("metadata") {
		projected, err := p.applySelectMetadata(node.Metadata)
		if err != nil {
			return nil, err
		}
		if projected == nil && p.selectMetadata == nil {
			projected = map[string]any{}
		}
		attrs.Metadata = projected
	}
	if f.Has("specs") {
		specs := node.Specs
		if specs == nil {
			specs = []structure.Spec{}
		}
		attrs.Specs = specs
	}
	if f.Has("sorting") {
		attrs.Sorting = sortingPairs(node.Sorting)
	}
	if f.Has("access_blob") && !node.AccessBlob.IsZero() {
		blob := node.AccessBlob
		attrs.AccessBlob = &blob
	}
	if (f.Has("data_sources") || p.includeSources) && len(node.DataSources) > 0 {
		docs, err := dataSourceDocs(node.DataSources)
		if err != nil {
			return nil, err
		}
		attrs.DataSources = docs
	}
	if !node.TimeCreated.IsZero() {
		t := node.TimeCreated
		attrs.TimeCreated = &t
	}
	if !node.TimeUpdated.IsZero() {
		t := node.TimeUpdated
		attrs.TimeUpdated = &t
	}

	doc := &nodeDocument{ID: node.Key, Attributes: attrs}
	if !p.omitLinks {
		doc.Links = e.nodeLinks(r, node)
	}
	return doc, nil
}

// structureDoc converts a structure to its generic JSON shape. Envelope
// encoders do not invoke MarshalJSON, so the tagged union is flattened
// here once instead.
func structureDoc(st structure.Structure) (map[string]any, error) {
	if st.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// sortingPairs renders sort keys as [key, direction] pairs.
func sortingPairs(keys []structure.SortKey) [][]any {
	if len(keys) == 0 {
		keys = structure.DefaultSorting()
	}
	out := make([][]any, len(keys))
	for i, k := range keys {
		dir := k.Direction
		if dir == 0 {
			dir = 1
		}
		out[i] = []any{k.Key, dir}
	}
	return out
}

// dataSourceDocs flattens data sources the same way structureDoc flattens
// structures.
func dataSourceDocs(sources []adapter.DataSource) ([]map[string]any, error) {
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil, err
	}
	var docs []map[string]any
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// nodeLinks builds the per-family link set for a node.
func (e *Engine) nodeLinks(r *http.Request, node *catalog.Node) map[string]string {
	base := requestBase(r) + "/api/" + APIVersion
	p := escapePath(node.Path())
	links := map[string]string{"self": base + "/metadata/" + p}
	switch node.StructureFamily {
	case structure.FamilyContainer, structure.FamilyComposite:
		links["full"] = base + "/container/full/" + p
		links["search"] = base + "/search/" + p
	case structure.FamilyArray, structure.FamilySparse:
		links["full"] = base + "/array/full/" + p
		links["block"] = base + "/array/block/" + p + "?block={block}"
	case structure.FamilyTable:
		links["full"] = base + "/table/full/" + p
		links["partition"] = base + "/table/partition/" + p + "?partition={index}"
	case structure.FamilyAwkward:
		links["full"] = base + "/awkward/full/" + p
		links["buffers"] = base + "/awkward/buffers/" + p
	}
	return links
}

// escapePath escapes each path segment for use inside a URL path.
func escapePath(path string) string {
	if path == "" {
		return ""
	}
	segments := catalog.SplitPath(path)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// nodePostRequest is the body of POST /metadata and POST /container/full.
type nodePostRequest struct {
	ID              string              `json:"id"`
	StructureFamily string              `json:"structure_family"`
	Structure       json.RawMessage     `json:"structure,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	Specs           []structure.Spec    `json:"specs,omitempty"`
	Sorting         []structure.SortKey `json:"sorting,omitempty"`
	AccessBlob      *authz.AccessBlob   `json:"access_blob,omitempty"`
	DataSources     []dataSourceRequest `json:"data_sources,omitempty"`
}

// dataSourceRequest declares one data source on node creation. Structure is
// decoded against the node's family.
type dataSourceRequest struct {
	Mimetype   string          `json:"mimetype"`
	Structure  json.RawMessage `json:"structure,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Management string          `json:"management,omitempty"`
	Assets     []assetRequest  `json:"assets,omitempty"`
}

type assetRequest struct {
	DataURI     string `json:"data_uri"`
	IsDirectory bool   `json:"is_directory"`
	Parameter   string `json:"parameter,omitempty"`
	Num         *int   `json:"num,omitempty"`
}

// registerRequest is the body of POST /register. Either URI+Mimetype (the
// server walks the asset and generates data sources) or a full node
// declaration with external data sources.
type registerRequest struct {
	nodePostRequest
	URI         string `json:"uri,omitempty"`
	Mimetype    string `json:"mimetype,omitempty"`
	IsDirectory bool   `json:"is_directory,omitempty"`
}

// nodePutRequest is the body of PUT /metadata. Absent fields keep their
// stored values; pointer types distinguish absent from empty.
type nodePutRequest struct {
	Metadata   *map[string]any   `json:"metadata,omitempty"`
	Specs      *[]structure.Spec `json:"specs,omitempty"`
	AccessBlob *authz.AccessBlob `json:"access_blob,omitempty"`
}

// revisionDoc is the wire form of one revision. UpdatedBy is stringified so
// both envelope encodings carry the hyphenated uuid.
type revisionDoc struct {
	RevisionNumber int               `json:"revision_number"`
	Metadata       map[string]any    `json:"metadata"`
	Specs          []structure.Spec  `json:"specs,omitempty"`
	AccessBlob     *authz.AccessBlob `json:"access_blob,omitempty"`
	TimeUpdated    time.Time         `json:"time_updated"`
	UpdatedBy      string            `json:"updated_by,omitempty"`
}

func newRevisionDoc(rev *catalog.Revision) *revisionDoc {
	doc := &revisionDoc{
		RevisionNumber: rev.RevisionNumber,
		Metadata:       rev.Metadata,
		Specs:          rev.Specs,
		TimeUpdated:    rev.TimeUpdated,
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if !rev.AccessBlob.IsZero() {
		blob := rev.AccessBlob
		doc.AccessBlob = &blob
	}
	if rev.UpdatedBy != uuid.Nil {
		doc.UpdatedBy = rev.UpdatedBy.String()
	}
	return doc
}

// sessionDoc is the wire form of a session with a stringified uuid.
type sessionDoc struct {
	UUID              string    `json:"uuid"`
	TimeCreated       time.Time `json:"time_created"`
	TimeLastRefreshed time.Time `json:"time_last_refreshed"`
	RefreshCount      int       `json:"refresh_count"`
	ExpirationTime    time.Time `json:"expiration_time"`
	Revoked           bool      `json:"revoked"`
}

func newSessionDoc(s authn.Session) sessionDoc {
	return sessionDoc{
		UUID:              s.ID.String(),
		TimeCreated:       s.TimeCreated,
		TimeLastRefreshed: s.TimeLastRefreshed,
		RefreshCount:      s.RefreshCount,
		ExpirationTime:    s.ExpirationTime,
		Revoked:           s.Revoked,
	}
}

// principalDoc is the wire form of a principal with a stringified uuid.
type principalDoc struct {
	UUID           string           `json:"uuid"`
	Type           string           `json:"type"`
	TimeCreated    time.Time        `json:"time_created"`
	LatestActivity *time.Time       `json:"latest_activity,omitempty"`
	Identities     []authn.Identity `json:"identities"`
	Roles          []authn.Role     `json:"roles"`
	APIKeys        []authn.APIKey   `json:"api_keys,omitempty"`
	Sessions       []sessionDoc     `json:"sessions,omitempty"`
}

func newPrincipalDoc(p *authn.Principal) *principalDoc {
	doc := &principalDoc{
		UUID:           p.ID.String(),
		Type:           string(p.Type),
		TimeCreated:    p.TimeCreated,
		LatestActivity: p.LatestActivity,
		Identities:     p.Identities,
		Roles:          p.Roles,
		APIKeys:        p.APIKeys,
	}
	if doc.Identities == nil {
		doc.Identities = []authn.Identity{}
	}
	if doc.Roles == nil {
		doc.Roles = []authn.Role{}
	}
	for _, s := range p.Sessions {
		doc.Sessions = append(doc.Sessions, newSessionDoc(s))
	}
	return doc
}

// apiKeyRequest is the wire form of an API-key creation request. ExpiresIn
// counts seconds; zero means the key never expires.
type apiKeyRequest struct {
	ExpiresIn int64    `json:"expires_in"`
	Note      string   `json:"note"`
	Scopes    []string `json:"scopes"`
	Tags      []string `json:"tags"`
}

func (req apiKeyRequest) toAuthn() authn.APIKeyRequest {
	return authn.APIKeyRequest{
		ExpiresIn: time.Duration(req.ExpiresIn) * time.Second,
		Note:      req.Note,
		Scopes:    req.Scopes,
		Tags:      req.Tags,
	}
}

// apiKeyCreated is the one response that carries the key secret. The secret
// is never shown again.
type apiKeyCreated struct {
	*authn.APIKey
	Secret string `json:"secret"`
}

// whoamiResponse describes the authenticated caller.
type whoamiResponse struct {
	UUID       string   `json:"uuid,omitempty"`
	Type       string   `json:"type,omitempty"`
	Identities []string `json:"identities,omitempty"`
	Scopes     []string `json:"scopes"`
	KeyTags    []string `json:"key_tags,omitempty"`
	Anonymous  bool     `json:"anonymous,omitempty"`
}

func newWhoami(caller authz.Caller) *whoamiResponse {
	resp := &whoamiResponse{
		Type:       string(caller.Type),
		Identities: caller.Identities,
		Scopes:     caller.Scopes.Strings(),
		KeyTags:    caller.KeyTags,
		Anonymous:  caller.Anonymous,
	}
	if !caller.Anonymous {
		resp.UUID = caller.PrincipalID.String()
	}
	if resp.Scopes == nil {
		resp.Scopes = []string{}
	}
	return resp
}

// deviceAuthorization is the response of POST /auth/provider/{p}/authorize.
type deviceAuthorization struct {
	UserCode        string `json:"user_code"`
	DeviceCode      string `json:"device_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
}

// tokenError is the OAuth-style error body of the token endpoint.
type tokenError struct {
	Error string `json:"error"`
}

// serverInfo is the GET / document.
type serverInfo struct {
	APIVersion     string              `json:"api_version"`
	ServiceName    string              `json:"service"`
	ServiceVersion string              `json:"version,omitempty"`
	Formats        map[string][]string `json:"formats"`
	Aliases        map[string]string   `json:"aliases"`
	Authentication authInfo            `json:"authentication"`
	Links          map[string]string   `json:"links"`
}

type authInfo struct {
	Required  bool           `json:"required"`
	Providers []providerInfo `json:"providers"`
}

type providerInfo struct {
	Provider string            `json:"provider"`
	Links    map[string]string `json:"links"`
}

// decodeRequest reads a JSON request body into v.
func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errorf(http.StatusBadRequest, "invalid request body: %v", err)
	}
	return nil
}
