package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/query"
)

// newRemotePolicy points all three decision endpoints at the given handler
// and counts the requests that reach it.
func newRemotePolicy(t *testing.T, handler http.HandlerFunc, maxScopes ScopeSet) (*RemotePolicy, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	policy := NewRemotePolicy(RemotePolicyConfig{
		CreateURL: server.URL + "/create",
		ScopesURL: server.URL + "/scopes",
		TagsURL:   server.URL + "/tags",
		MaxScopes: maxScopes,
	}, nil)
	return policy, &calls
}

func TestRemoteInitNode(t *testing.T) {
	ctx := context.Background()
	alice := userCaller("alice", DefaultUserScopes())

	t.Run("normalized blob comes back from the service", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/create", r.URL.Path)

			var req struct {
				Action string `json:"action"`
				Caller struct {
					Identities []string `json:"identities"`
					Anonymous  bool     `json:"anonymous"`
				} `json:"caller"`
				Proposed AccessBlob  `json:"proposed_blob"`
				Current  *AccessBlob `json:"current_blob"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "init", req.Action)
			assert.Equal(t, []string{"alice"}, req.Caller.Identities)
			assert.Nil(t, req.Current)

			json.NewEncoder(w).Encode(map[string]any{
				"access_blob": AccessBlob{User: "alice"},
			})
		}, nil)

		blob, err := policy.InitNode(ctx, alice, AccessBlob{})
		require.NoError(t, err)
		assert.Equal(t, "alice", blob.User)
	})

	t.Run("service failure rejects the mutation", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, nil)

		_, err := policy.InitNode(ctx, alice, AccessBlob{User: "alice"})
		require.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("missing blob in the response rejects the mutation", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}, nil)

		_, err := policy.InitNode(ctx, alice, AccessBlob{User: "alice"})
		require.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("invalid blob in the response is rejected", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"access_blob": map[string]any{"user": "alice", "tags": []string{"x"}},
			})
		}, nil)

		_, err := policy.InitNode(ctx, alice, AccessBlob{User: "alice"})
		require.ErrorIs(t, err, ErrInvalidBlob)
	})
}

func TestRemoteModifyNode(t *testing.T) {
	ctx := context.Background()
	alice := userCaller("alice", DefaultUserScopes())

	t.Run("current blob rides along", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Action  string      `json:"action"`
				Current *AccessBlob `json:"current_blob"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "modify", req.Action)
			require.NotNil(t, req.Current)
			assert.Equal(t, "alice", req.Current.User)

			json.NewEncoder(w).Encode(map[string]any{
				"access_blob": AccessBlob{Tags: []string{PublicTag}},
			})
		}, nil)

		blob, err := policy.ModifyNode(ctx, alice, AccessBlob{User: "alice"}, AccessBlob{Tags: []string{PublicTag}})
		require.NoError(t, err)
		assert.True(t, blob.IsPublic())
	})

	t.Run("empty proposal skips the network", func(t *testing.T) {
		policy, calls := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, nil)

		current := AccessBlob{User: "alice"}
		blob, err := policy.ModifyNode(ctx, alice, current, AccessBlob{})
		require.NoError(t, err)
		assert.Equal(t, current, blob)
		assert.Zero(t, calls.Load())
	})
}

func TestRemoteAllowedScopes(t *testing.T) {
	ctx := context.Background()
	alice := userCaller("alice", DefaultUserScopes())
	blob := AccessBlob{Tags: []string{"proposal-1234"}}

	t.Run("scopes from the service, capped", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/scopes", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"scopes": []string{"read:metadata", "read:data", "write:data"},
			})
		}, PublicTagScopes())

		scopes, err := policy.AllowedScopes(ctx, alice, blob)
		require.NoError(t, err)
		assert.True(t, scopes.Has(ScopeReadData))
		assert.False(t, scopes.Has(ScopeWriteData), "max scopes cap the grant")
	})

	t.Run("failure degrades to no scopes", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, nil)

		scopes, err := policy.AllowedScopes(ctx, alice, blob)
		require.NoError(t, err)
		assert.Empty(t, scopes)
	})

	t.Run("malformed response degrades to no scopes", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}, nil)

		scopes, err := policy.AllowedScopes(ctx, alice, blob)
		require.NoError(t, err)
		assert.Empty(t, scopes)
	})

	t.Run("unknown scope name degrades to no scopes", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"scopes": []string{"read:metadata", "rule:world"}})
		}, nil)

		scopes, err := policy.AllowedScopes(ctx, alice, blob)
		require.NoError(t, err)
		assert.Empty(t, scopes)
	})

	t.Run("blob-less nodes short-circuit to public when configured", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		policy := NewRemotePolicy(RemotePolicyConfig{
			CreateURL:             server.URL + "/create",
			ScopesURL:             server.URL + "/scopes",
			TagsURL:               server.URL + "/tags",
			EmptyAccessBlobPublic: true,
		}, nil)

		scopes, err := policy.AllowedScopes(ctx, alice, AccessBlob{})
		require.NoError(t, err)
		assert.True(t, scopes.Has(ScopeReadMetadata))
		assert.True(t, scopes.Has(ScopeReadData))
		assert.Zero(t, calls.Load())
	})
}

func TestRemoteFilters(t *testing.T) {
	ctx := context.Background()
	alice := userCaller("alice", DefaultUserScopes())
	readMeta := NewScopeSet(ScopeReadMetadata)

	t.Run("filter from the service", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/tags", r.URL.Path)

			var req struct {
				Scopes []string `json:"scopes"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"read:metadata"}, req.Scopes)

			json.NewEncoder(w).Encode(map[string]any{
				"user": "alice",
				"tags": []string{"proposal-1234", "public"},
			})
		}, nil)

		filters, err := policy.Filters(ctx, alice, readMeta)
		require.NoError(t, err)
		require.Len(t, filters, 1)

		blobFilter, ok := filters[0].(query.AccessBlobFilter)
		require.True(t, ok)
		assert.Equal(t, "alice", blobFilter.UserID)
		assert.Equal(t, []string{"proposal-1234", "public"}, blobFilter.Tags)
	})

	t.Run("failure degrades to no access", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, nil)

		filters, err := policy.Filters(ctx, alice, readMeta)
		require.NoError(t, err)
		assert.True(t, query.ContainsNoAccess(filters))
	})

	t.Run("empty response is no access", func(t *testing.T) {
		policy, _ := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}, nil)

		filters, err := policy.Filters(ctx, alice, readMeta)
		require.NoError(t, err)
		assert.True(t, query.ContainsNoAccess(filters))
	})

	t.Run("required beyond max scopes skips the network", func(t *testing.T) {
		policy, calls := newRemotePolicy(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"user": "alice"})
		}, PublicTagScopes())

		filters, err := policy.Filters(ctx, alice, NewScopeSet(ScopeWriteData))
		require.NoError(t, err)
		assert.True(t, query.ContainsNoAccess(filters))
		assert.Zero(t, calls.Load())
	})
}
