package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/stream"
	"github.com/trellisdata/trellis/pkg/config"
	"github.com/trellisdata/trellis/pkg/database"
)

// stubProvider verifies credentials against a plain map, standing in for
// the bcrypt provider so tests stay fast.
type stubProvider map[string]string

func (p stubProvider) Authenticate(ctx context.Context, username, password string) (string, error) {
	if password == "" || p[username] != password {
		return "", authn.ErrInvalidCredentials
	}
	return username, nil
}

// testTags is the tag registry the test server runs under: alice edits and
// carol reads anything tagged physics; the chemists group owns chemistry.
const testTags = `
roles:
  editor:
    scopes:
      - read:metadata
      - read:data
      - write:metadata
      - write:data
      - create:node
      - delete:node
      - delete:revision
      - register
  reader:
    scopes:
      - read:metadata
      - read:data
groups:
  chemists:
    members:
      - carol
tags:
  physics:
    members:
      - id: alice
        role: editor
      - id: carol
        role: reader
  chemistry:
    members:
      - group: chemists
        role: editor
      - id: alice
        role: reader
`

type testEnv struct {
	t       *testing.T
	cfg     *config.Config
	engine  *Engine
	server  *httptest.Server
	auth    *authn.Service
	store   *catalog.Store
	streams *stream.Service
}

// newTestEnv assembles a complete server on an in-memory database: the tag
// policy above, a toy password provider (alice, carol, and bob the admin)
// and a memory stream datastore. Mutations run on the config before any
// component is built.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	tagsPath := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(t, os.WriteFile(tagsPath, []byte(testTags), 0o600))

	cfg := &config.Config{
		Server: config.ServerConfig{
			RequestTimeout:        10 * time.Second,
			ShutdownTimeout:       5 * time.Second,
			MaxPageSize:           300,
			DefaultPageLimit:      100,
			CountCeiling:          10000,
			InlinedContentsLimit:  500,
			DepthLimit:            5,
			ResponseBytesizeLimit: 300_000_000,
		},
		Catalog: config.CatalogConfig{
			URI:             ":memory:",
			WritableStorage: t.TempDir(),
		},
		Auth: config.AuthConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			SessionMaxAge:   365 * 24 * time.Hour,
			DeviceCodeTTL:   15 * time.Minute,
		},
		AccessControl: config.AccessControlConfig{
			Policy:   "tag",
			TagsFile: tagsPath,
		},
		Stream: config.StreamConfig{
			Datastore:     "memory",
			DataTTL:       time.Hour,
			QueueSize:     64,
			ReplayTimeout: 5 * time.Second,
		},
		Metrics: config.MetricsConfig{AllowAnonymous: true},
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	db, err := database.Open(ctx, cfg.Catalog.URI, database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := catalog.NewStore(ctx, db, cfg.Catalog.WritableStorage, nil)
	require.NoError(t, err)

	auth, err := authn.NewService(ctx, db, authn.Config{
		SecretKeys:      [][]byte{[]byte("0123456789abcdef0123456789abcdef")},
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		SessionMaxAge:   cfg.Auth.SessionMaxAge,
		DeviceCodeTTL:   cfg.Auth.DeviceCodeTTL,
		Providers: map[string]authn.Provider{
			"toy": stubProvider{"alice": "wonderland", "bob": "builder", "carol": "cipher"},
		},
		Admins: []authn.IdentityRef{{Provider: "toy", ID: "bob"}},
	}, nil)
	require.NoError(t, err)

	var policy authz.Policy
	switch cfg.AccessControl.Policy {
	case "open":
		policy = authz.NewOpenPolicy()
	default:
		policy, err = authz.NewTagPolicy(cfg.AccessControl.TagsFile, nil)
		require.NoError(t, err)
	}

	data, err := stream.OpenDatastore(ctx, cfg.Stream)
	require.NoError(t, err)
	t.Cleanup(func() { _ = data.Close() })
	streams := stream.NewService(data, cfg.Stream, nil)

	eng, err := NewEngine(Options{
		Config:  cfg,
		Store:   store,
		Auth:    auth,
		Policy:  policy,
		Streams: streams,
		Version: "test",
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	srv := httptest.NewServer(NewServer(eng))
	t.Cleanup(srv.Close)

	return &testEnv{
		t:       t,
		cfg:     cfg,
		engine:  eng,
		server:  srv,
		auth:    auth,
		store:   store,
		streams: streams,
	}
}

// do issues one request against the test server. A []byte body posts as
// octet-stream and any other non-nil body is JSON-encoded; token goes into
// the Authorization header verbatim; extra holds header key/value pairs
// applied last, so callers can override Content-Type.
func (env *testEnv) do(method, path, token string, body any, extra ...string) *http.Response {
	env.t.Helper()

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	case string:
		reader = strings.NewReader(b)
		contentType = "application/json"
	default:
		raw, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequest(method, env.server.URL+path, reader)
	require.NoError(env.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		req.Header.Set(extra[i], extra[i+1])
	}

	resp, err := env.server.Client().Do(req)
	require.NoError(env.t, err)
	return resp
}

// postForm submits a form-encoded body, as the token endpoint expects.
func (env *testEnv) postForm(path, token string, form url.Values) *http.Response {
	env.t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(env.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := env.server.Client().Do(req)
	require.NoError(env.t, err)
	return resp
}

// decodeJSON asserts the status and unmarshals the body into out, which may
// be nil. The raw body rides along in the failure message.
func decodeJSON(t *testing.T, resp *http.Response, wantStatus int, out any) {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "body: %s", raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
}

// readBody asserts the status and returns the raw body.
func readBody(t *testing.T, resp *http.Response, wantStatus int) []byte {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "body: %s", raw)
	return raw
}

// login exchanges a password for a bearer Authorization header value.
func (env *testEnv) login(username, password string) string {
	env.t.Helper()

	pair, err := env.auth.PasswordGrant(context.Background(), "toy", username, password)
	require.NoError(env.t, err)
	return "Bearer " + pair.AccessToken
}

// apiKey mints an API key for the user and returns its Authorization
// header value.
func (env *testEnv) apiKey(username, password string, req authn.APIKeyRequest) string {
	env.t.Helper()
	ctx := context.Background()

	principal, err := env.auth.VerifyCredentials(ctx, "toy", username, password)
	require.NoError(env.t, err)
	_, secret, err := env.auth.CreateAPIKey(ctx, principal.ID, req)
	require.NoError(env.t, err)
	return "Apikey " + secret
}

// createNode posts a node declaration under parent and returns the decoded
// 201 document.
func (env *testEnv) createNode(token, parent string, body map[string]any) map[string]any {
	env.t.Helper()

	resp := env.do(http.MethodPost, "/api/v1/metadata/"+parent, token, body)
	var doc map[string]any
	decodeJSON(env.t, resp, http.StatusCreated, &doc)
	return doc
}

// seedContainer creates a tagged top-level container. Only admins can
// create at the root, so callers pass bob's token.
func (env *testEnv) seedContainer(token, key string, tags []string) {
	env.t.Helper()

	env.createNode(token, "", map[string]any{
		"id":               key,
		"structure_family": "container",
		"access_blob":      map[string]any{"tags": tags},
	})
}

func TestServerInfo(t *testing.T) {
	env := newTestEnv(t)

	var info struct {
		APIVersion string              `json:"api_version"`
		Service    string              `json:"service"`
		Version    string              `json:"version"`
		Formats    map[string][]string `json:"formats"`
		Aliases    map[string]string   `json:"aliases"`
		Auth       struct {
			Required  bool `json:"required"`
			Providers []struct {
				Provider string            `json:"provider"`
				Links    map[string]string `json:"links"`
			} `json:"providers"`
		} `json:"authentication"`
		Links map[string]string `json:"links"`
	}
	decodeJSON(t, env.do(http.MethodGet, "/", "", nil), http.StatusOK, &info)

	assert.Equal(t, "v1", info.APIVersion)
	assert.Equal(t, "trellis", info.Service)
	assert.Equal(t, "test", info.Version)
	assert.Contains(t, info.Formats["array"], "application/octet-stream")
	assert.Contains(t, info.Formats["table"], "text/csv")
	assert.True(t, info.Auth.Required)
	require.Len(t, info.Auth.Providers, 1)
	assert.Equal(t, "toy", info.Auth.Providers[0].Provider)
	assert.Contains(t, info.Auth.Providers[0].Links["token"], "/api/v1/auth/provider/toy/token")
	assert.Contains(t, info.Links["metadata"], "/api/v1/metadata/")

	t.Run("anonymous access flips the required flag", func(t *testing.T) {
		open := newTestEnv(t, func(cfg *config.Config) {
			cfg.Auth.AllowAnonymousAccess = true
		})
		decodeJSON(t, open.do(http.MethodGet, "/", "", nil), http.StatusOK, &info)
		assert.False(t, info.Auth.Required)
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	decodeJSON(t, env.do(http.MethodGet, "/healthz", "", nil), http.StatusOK, &body)

	assert.Equal(t, "healthy", body.Status)
	names := make([]string, 0, len(body.Checks))
	for _, check := range body.Checks {
		names = append(names, check.Name)
	}
	assert.Contains(t, names, "catalog")
	assert.Contains(t, names, "auth")
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown route", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/api/v1/nope", "", nil)
		assert.NotEmpty(t, resp.Header.Get("X-Trellis-Correlation-Id"))

		var body struct {
			Detail        string `json:"detail"`
			CorrelationID string `json:"correlation_id"`
		}
		decodeJSON(t, resp, http.StatusNotFound, &body)
		assert.Contains(t, body.Detail, "unknown route")
		assert.NotEmpty(t, body.CorrelationID)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp := env.do(http.MethodDelete, "/api/v1/search/x", env.login("bob", "builder"), nil)
		var body struct {
			Detail string `json:"detail"`
		}
		decodeJSON(t, resp, http.StatusMethodNotAllowed, &body)
		assert.NotEmpty(t, body.Detail)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	raw := readBody(t, env.do(http.MethodGet, "/metrics", "", nil), http.StatusOK)
	assert.Contains(t, string(raw), "trellis_")

	t.Run("scope gated when anonymous scraping is off", func(t *testing.T) {
		gated := newTestEnv(t, func(cfg *config.Config) {
			cfg.Metrics.AllowAnonymous = false
		})
		decodeJSON(t, gated.do(http.MethodGet, "/metrics", "", nil), http.StatusUnauthorized, nil)

		resp := gated.do(http.MethodGet, "/metrics", gated.login("alice", "wonderland"), nil)
		readBody(t, resp, http.StatusOK)
	})
}
