package engine

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/config"
)

func TestContainerFullRead(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")
	carol := env.login("carol", "cipher")

	env.seedContainer(admin, "physics", []string{"physics"})

	var created struct {
		Data struct {
			ID    string            `json:"id"`
			Links map[string]string `json:"links"`
		} `json:"data"`
	}
	decodeJSON(t, env.do(http.MethodPost, "/api/v1/container/full/physics", alice, map[string]any{
		"id":               "tree",
		"structure_family": "container",
		"access_blob":      map[string]any{"tags": []string{"physics"}},
	}), http.StatusCreated, &created)
	assert.Equal(t, "tree", created.Data.ID)
	assert.Contains(t, created.Data.Links["full"], "/api/v1/container/full/physics/tree")

	env.createNode(alice, "physics/tree", float64ArrayBody("a", []int64{3}, [][]int64{{3}}))
	decodeJSON(t, env.do(http.MethodPut, "/api/v1/array/full/physics/tree/a", alice, f64le(1, 2, 3)),
		http.StatusOK, nil)

	env.createNode(alice, "physics/tree", map[string]any{
		"id":               "t",
		"structure_family": "table",
		"structure":        map[string]any{"npartitions": 1, "columns": []string{"energy"}},
		"access_blob":      map[string]any{"tags": []string{"physics"}},
	})
	decodeJSON(t, env.do(http.MethodPut, "/api/v1/table/full/physics/tree/t", alice,
		map[string]any{"energy": []float64{5}}),
		http.StatusOK, nil)

	decodeJSON(t, env.do(http.MethodPost, "/api/v1/container/full/physics/tree", alice, map[string]any{
		"id":               "sub",
		"structure_family": "container",
		"access_blob":      map[string]any{"tags": []string{"physics"}},
	}), http.StatusCreated, nil)
	env.createNode(alice, "physics/tree/sub", float64ArrayBody("b", []int64{2}, [][]int64{{2}}))
	decodeJSON(t, env.do(http.MethodPut, "/api/v1/array/full/physics/tree/sub/b", alice, f64le(7, 8)),
		http.StatusOK, nil)

	env.createNode(admin, "physics/tree", map[string]any{
		"id":               "private",
		"structure_family": "container",
	})

	t.Run("inlines the subtree by key", func(t *testing.T) {
		var contents map[string]any
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/tree", alice, nil),
			http.StatusOK, &contents)

		assert.Equal(t, []any{1.0, 2.0, 3.0}, contents["a"])
		assert.Equal(t, map[string]any{"energy": []any{5.0}}, contents["t"])
		assert.Equal(t, map[string]any{"b": []any{7.0, 8.0}}, contents["sub"])
		_, leaked := contents["private"]
		assert.False(t, leaked, "invisible children must not inline")
	})

	t.Run("admins see the whole tree", func(t *testing.T) {
		var contents map[string]any
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/tree", admin, nil),
			http.StatusOK, &contents)
		assert.Equal(t, map[string]any{}, contents["private"])
	})

	t.Run("readers may read", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/tree", carol, nil),
			http.StatusOK, nil)
	})

	t.Run("nesting past max_depth refuses", func(t *testing.T) {
		var body struct {
			Detail string `json:"detail"`
		}
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/tree?max_depth=1", alice, nil),
			http.StatusBadRequest, &body)
		assert.Contains(t, body.Detail, "depth")
	})

	t.Run("full reads of this kind need a container", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/tree/a", alice, nil),
			http.StatusBadRequest, nil)
	})

	t.Run("the container route creates containers only", func(t *testing.T) {
		body := float64ArrayBody("oops", []int64{2}, [][]int64{{2}})
		decodeJSON(t, env.do(http.MethodPost, "/api/v1/container/full/physics", alice, body),
			http.StatusBadRequest, nil)
	})

	t.Run("composites count as containers", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPost, "/api/v1/container/full/physics", alice, map[string]any{
			"id":               "comp",
			"structure_family": "composite",
			"access_blob":      map[string]any{"tags": []string{"physics"}},
		}), http.StatusCreated, nil)
	})

	t.Run("duplicate keys conflict", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPost, "/api/v1/container/full/physics", alice, map[string]any{
			"id":               "tree",
			"structure_family": "container",
			"access_blob":      map[string]any{"tags": []string{"physics"}},
		}), http.StatusConflict, nil)
	})

	t.Run("readers cannot create", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPost, "/api/v1/container/full/physics", carol, map[string]any{
			"id":               "nope",
			"structure_family": "container",
		}), http.StatusForbidden, nil)
	})
}

func TestContainerInlineLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.InlinedContentsLimit = 3
	})
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.seedContainer(admin, "physics/box", []string{"physics"})
	for i := 0; i < 3; i++ {
		env.createNode(alice, "physics/box",
			float64ArrayBody("leaf"+strconv.Itoa(i), []int64{1}, [][]int64{{1}}))
	}

	var contents map[string]any
	decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/box", alice, nil),
		http.StatusOK, &contents)
	require.Len(t, contents, 3)
	assert.Equal(t, []any{0.0}, contents["leaf0"], "unwritten blocks read as zeros")

	env.createNode(alice, "physics/box",
		float64ArrayBody("leaf3", []int64{1}, [][]int64{{1}}))

	var body struct {
		Detail string `json:"detail"`
	}
	decodeJSON(t, env.do(http.MethodGet, "/api/v1/container/full/physics/box", alice, nil),
		http.StatusBadRequest, &body)
	assert.Contains(t, body.Detail, "inline limit")
}
