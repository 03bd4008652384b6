package engine

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/config"
)

// nodeEnvelope mirrors the single-document response for decoding.
type nodeEnvelope struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Ancestors       []string       `json:"ancestors"`
			StructureFamily string         `json:"structure_family"`
			Structure       map[string]any `json:"structure"`
			Metadata        any            `json:"metadata"`
			Specs           []struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"specs"`
			AccessBlob *struct {
				User string   `json:"user"`
				Tags []string `json:"tags"`
			} `json:"access_blob"`
			DataSources []map[string]any `json:"data_sources"`
		} `json:"attributes"`
		Links map[string]string `json:"links"`
	} `json:"data"`
	Meta map[string]any `json:"meta"`
}

// listEnvelope mirrors the listing response.
type listEnvelope struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Ancestors       []string `json:"ancestors"`
			StructureFamily string   `json:"structure_family"`
			Metadata        any      `json:"metadata"`
		} `json:"attributes"`
	} `json:"data"`
	Links map[string]string `json:"links"`
	Meta  map[string]any    `json:"meta"`
}

func (l listEnvelope) ids() []string {
	out := make([]string, 0, len(l.Data))
	for _, d := range l.Data {
		out = append(out, d.ID)
	}
	return out
}

func TestMetadataAccessControl(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")
	carol := env.login("carol", "cipher")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.seedContainer(admin, "chemlab", []string{"chemistry"})
	// No blob normalizes to admin ownership, invisible to everyone else.
	env.createNode(admin, "", map[string]any{
		"id":               "secret",
		"structure_family": "container",
	})

	t.Run("anonymous requests are rejected", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/physics", "", nil),
			http.StatusUnauthorized, nil)
	})

	t.Run("tag members read tagged containers", func(t *testing.T) {
		var doc nodeEnvelope
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/physics", alice, nil),
			http.StatusOK, &doc)
		assert.Equal(t, "physics", doc.Data.ID)
		assert.Equal(t, "container", doc.Data.Attributes.StructureFamily)
		require.NotNil(t, doc.Data.Attributes.AccessBlob)
		assert.Equal(t, []string{"physics"}, doc.Data.Attributes.AccessBlob.Tags)
	})

	t.Run("nodes outside the caller's grants do not exist", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/secret", alice, nil),
			http.StatusNotFound, nil)

		var doc nodeEnvelope
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/secret", admin, nil),
			http.StatusOK, &doc)
		assert.Equal(t, "secret", doc.Data.ID)
	})

	t.Run("listings are filtered by grant", func(t *testing.T) {
		var list listEnvelope
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/search/", alice, nil),
			http.StatusOK, &list)
		assert.ElementsMatch(t, []string{"physics", "chemlab"}, list.ids())

		decodeJSON(t, env.do(http.MethodGet, "/api/v1/search/", admin, nil),
			http.StatusOK, &list)
		assert.ElementsMatch(t, []string{"physics", "chemlab", "secret"}, list.ids())
	})

	t.Run("readers cannot create", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", carol, map[string]any{
			"id":               "forbidden",
			"structure_family": "container",
		})
		decodeJSON(t, resp, http.StatusForbidden, nil)
	})

	t.Run("regular users cannot create at the root", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/", alice, map[string]any{
			"id":               "toplevel",
			"structure_family": "container",
		})
		decodeJSON(t, resp, http.StatusForbidden, nil)
	})

	t.Run("anonymous access sees only public nodes", func(t *testing.T) {
		open := newTestEnv(t, func(cfg *config.Config) {
			cfg.Auth.AllowAnonymousAccess = true
		})
		openAdmin := open.login("bob", "builder")
		open.seedContainer(openAdmin, "published", []string{"public"})
		open.seedContainer(openAdmin, "internal", []string{"physics"})

		var list listEnvelope
		decodeJSON(t, open.do(http.MethodGet, "/api/v1/search/", "", nil),
			http.StatusOK, &list)
		assert.Equal(t, []string{"published"}, list.ids())

		decodeJSON(t, open.do(http.MethodGet, "/api/v1/metadata/published", "", nil),
			http.StatusOK, nil)
		decodeJSON(t, open.do(http.MethodGet, "/api/v1/metadata/internal", "", nil),
			http.StatusNotFound, nil)
	})
}

func TestMetadataCreate(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")
	env.seedContainer(admin, "physics", []string{"physics"})

	t.Run("tag member creates a documented child", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", alice, map[string]any{
			"id":               "calibration",
			"structure_family": "container",
			"metadata":         map[string]any{"instrument": "tes", "run": 1},
			"specs":            []map[string]any{{"name": "xdi", "version": "1.0"}},
			"access_blob":      map[string]any{"tags": []string{"physics"}},
		})
		var doc nodeEnvelope
		decodeJSON(t, resp, http.StatusCreated, &doc)
		assert.Equal(t, "calibration", doc.Data.ID)
		assert.Equal(t, []string{"physics"}, doc.Data.Attributes.Ancestors)
		meta, ok := doc.Data.Attributes.Metadata.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "tes", meta["instrument"])
		require.Len(t, doc.Data.Attributes.Specs, 1)
		assert.Equal(t, "xdi", doc.Data.Attributes.Specs[0].Name)
		assert.Contains(t, doc.Data.Links["self"], "/api/v1/metadata/physics/calibration")
	})

	t.Run("omitted id mints a key", func(t *testing.T) {
		doc := env.createNode(alice, "physics", map[string]any{
			"structure_family": "container",
		})
		data := doc["data"].(map[string]any)
		assert.NotEmpty(t, data["id"])
	})

	t.Run("empty blob defaults to caller ownership", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", alice, map[string]any{
			"id":               "mine",
			"structure_family": "container",
		})
		var doc nodeEnvelope
		decodeJSON(t, resp, http.StatusCreated, &doc)
		require.NotNil(t, doc.Data.Attributes.AccessBlob)
		assert.Equal(t, "alice", doc.Data.Attributes.AccessBlob.User)
	})

	t.Run("duplicate keys conflict", func(t *testing.T) {
		body := map[string]any{"id": "dup", "structure_family": "container"}
		env.createNode(alice, "physics", body)
		decodeJSON(t, env.do(http.MethodPost, "/api/v1/metadata/physics", alice, body),
			http.StatusConflict, nil)
	})

	t.Run("unknown family is rejected", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", alice, map[string]any{
			"id":               "odd",
			"structure_family": "tensor",
		})
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})

	t.Run("array nodes require a structure", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", alice, map[string]any{
			"id":               "bare",
			"structure_family": "array",
		})
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})

	t.Run("tags outside the caller's membership are rejected", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", alice, map[string]any{
			"id":               "crossover",
			"structure_family": "container",
			"access_blob":      map[string]any{"tags": []string{"nosuchtag"}},
		})
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})

	t.Run("creating a node the caller could not manage is rejected", func(t *testing.T) {
		// alice only reads chemistry, so this blob would lock her out.
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics", alice, map[string]any{
			"id":               "lockedout",
			"structure_family": "container",
			"access_blob":      map[string]any{"tags": []string{"chemistry"}},
		})
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})

	t.Run("children cannot hang off non-containers", func(t *testing.T) {
		env.createNode(alice, "physics", map[string]any{
			"id":               "scalararray",
			"structure_family": "array",
			"structure": map[string]any{
				"data_type": map[string]any{"endianness": "little", "kind": "f", "itemsize": 8},
				"shape":     []int{4},
				"chunks":    [][]int{{4}},
			},
		})
		resp := env.do(http.MethodPost, "/api/v1/metadata/physics/scalararray", alice, map[string]any{
			"id":               "child",
			"structure_family": "container",
		})
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})
}

func TestMetadataUpdate(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")
	carol := env.login("carol", "cipher")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.createNode(alice, "physics", map[string]any{
		"id":               "calibration",
		"structure_family": "container",
		"metadata":         map[string]any{"instrument": "tes", "run": 1},
		"access_blob":      map[string]any{"tags": []string{"physics"}},
	})
	const path = "/api/v1/metadata/physics/calibration"

	t.Run("merge patch deep-merges metadata", func(t *testing.T) {
		resp := env.do(http.MethodPatch, path, alice,
			`{"metadata": {"run": 2}}`,
			"Content-Type", "application/merge-patch+json")
		var doc nodeEnvelope
		decodeJSON(t, resp, http.StatusOK, &doc)
		meta := doc.Data.Attributes.Metadata.(map[string]any)
		assert.Equal(t, "tes", meta["instrument"])
		assert.Equal(t, float64(2), meta["run"])
	})

	t.Run("json patch applies operation lists", func(t *testing.T) {
		resp := env.do(http.MethodPatch, path, alice,
			`[{"op": "replace", "path": "/metadata/instrument", "value": "saxs"}]`,
			"Content-Type", "application/json-patch+json")
		var doc nodeEnvelope
		decodeJSON(t, resp, http.StatusOK, &doc)
		meta := doc.Data.Attributes.Metadata.(map[string]any)
		assert.Equal(t, "saxs", meta["instrument"])
	})

	t.Run("put replaces fields wholesale", func(t *testing.T) {
		resp := env.do(http.MethodPut, path, alice, map[string]any{
			"metadata": map[string]any{"rewritten": true},
		})
		var doc nodeEnvelope
		decodeJSON(t, resp, http.StatusOK, &doc)
		meta := doc.Data.Attributes.Metadata.(map[string]any)
		assert.Equal(t, map[string]any{"rewritten": true}, meta)
	})

	t.Run("history snapshots every prior version", func(t *testing.T) {
		var body struct {
			Data []struct {
				RevisionNumber int            `json:"revision_number"`
				Metadata       map[string]any `json:"metadata"`
			} `json:"data"`
		}
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/revisions/physics/calibration", alice, nil),
			http.StatusOK, &body)
		require.Len(t, body.Data, 3)
		assert.Equal(t, 1, body.Data[0].RevisionNumber)
		assert.Equal(t, float64(1), body.Data[0].Metadata["run"])
		assert.Equal(t, 3, body.Data[2].RevisionNumber)

		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/revisions/physics/calibration?number=1", alice, nil),
			http.StatusOK, nil)
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/revisions/physics/calibration", alice, nil),
			http.StatusOK, &body)
		require.Len(t, body.Data, 2)
		assert.Equal(t, 2, body.Data[0].RevisionNumber)
	})

	t.Run("readers cannot write", func(t *testing.T) {
		resp := env.do(http.MethodPatch, path, carol,
			`{"metadata": {"run": 99}}`,
			"Content-Type", "application/merge-patch+json")
		decodeJSON(t, resp, http.StatusForbidden, nil)
	})

	t.Run("the root document is immutable", func(t *testing.T) {
		resp := env.do(http.MethodPatch, "/api/v1/metadata/", admin,
			`{"metadata": {"x": 1}}`,
			"Content-Type", "application/merge-patch+json")
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})

	t.Run("malformed patches are rejected", func(t *testing.T) {
		resp := env.do(http.MethodPatch, path, alice,
			`[{"op": "replace", "path": "/metadata/missing/deep", "value": 1}]`,
			"Content-Type", "application/json-patch+json")
		decodeJSON(t, resp, http.StatusBadRequest, nil)
	})
}

func TestMetadataConditionalGet(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	env.seedContainer(admin, "physics", []string{"physics"})

	resp := env.do(http.MethodGet, "/api/v1/metadata/physics", admin, nil)
	etag := resp.Header.Get("ETag")
	readBody(t, resp, http.StatusOK)
	require.NotEmpty(t, etag)

	resp = env.do(http.MethodGet, "/api/v1/metadata/physics", admin, nil,
		"If-None-Match", etag)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Expires"))

	t.Run("updates change the tag", func(t *testing.T) {
		env.do(http.MethodPatch, "/api/v1/metadata/physics", admin,
			`{"metadata": {"touched": true}}`,
			"Content-Type", "application/merge-patch+json").Body.Close()

		resp := env.do(http.MethodGet, "/api/v1/metadata/physics", admin, nil,
			"If-None-Match", etag)
		readBody(t, resp, http.StatusOK)
		assert.NotEqual(t, etag, resp.Header.Get("ETag"))
	})
}

func TestMetadataFieldSelection(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	env.seedContainer(admin, "physics", []string{"physics"})
	env.createNode(admin, "physics", map[string]any{
		"id":               "run42",
		"structure_family": "container",
		"metadata": map[string]any{
			"instrument": map[string]any{"name": "tes", "hutch": "b"},
			"sample":     "Ni",
		},
		"access_blob": map[string]any{"tags": []string{"physics"}},
	})

	t.Run("fields=none strips the attributes", func(t *testing.T) {
		var doc nodeEnvelope
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/physics/run42?fields=none", admin, nil),
			http.StatusOK, &doc)
		assert.Empty(t, doc.Data.Attributes.StructureFamily)
		assert.Nil(t, doc.Data.Attributes.Metadata)
	})

	t.Run("select_metadata projects with jmespath", func(t *testing.T) {
		var doc nodeEnvelope
		decodeJSON(t, env.do(http.MethodGet,
			"/api/v1/metadata/physics/run42?select_metadata=instrument.name", admin, nil),
			http.StatusOK, &doc)
		assert.Equal(t, "tes", doc.Data.Attributes.Metadata)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/physics/run42?fields=banana", admin, nil),
			http.StatusBadRequest, nil)
	})
}

func TestDeleteNode(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")
	carol := env.login("carol", "cipher")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.createNode(alice, "physics", map[string]any{
		"id":               "parent",
		"structure_family": "container",
		"access_blob":      map[string]any{"tags": []string{"physics"}},
	})
	env.createNode(alice, "physics/parent", map[string]any{
		"id":               "child",
		"structure_family": "container",
		"access_blob":      map[string]any{"tags": []string{"physics"}},
	})

	t.Run("containers with children refuse deletion", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/metadata/physics/parent", alice, nil),
			http.StatusConflict, nil)
	})

	t.Run("readers cannot delete", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/metadata/physics/parent/child", carol, nil),
			http.StatusForbidden, nil)
	})

	t.Run("bottom-up deletion succeeds", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/metadata/physics/parent/child", alice, nil),
			http.StatusOK, nil)
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/metadata/physics/parent", alice, nil),
			http.StatusOK, nil)
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/metadata/physics/parent", alice, nil),
			http.StatusNotFound, nil)
	})

	t.Run("the root cannot be deleted", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/metadata/", admin, nil),
			http.StatusBadRequest, nil)
	})
}
