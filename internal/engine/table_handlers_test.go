package engine

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trellisdata/trellis/pkg/config"
)

func TestTableRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")
	carol := env.login("carol", "cipher")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.createNode(alice, "physics", map[string]any{
		"id":               "scan",
		"structure_family": "table",
		"structure": map[string]any{
			"npartitions": 2,
			"columns":     []string{"energy", "counts"},
		},
		"access_blob": map[string]any{"tags": []string{"physics"}},
	})
	const base = "/api/v1/table"

	t.Run("partition writes assemble into the full table", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, base+"/partition/physics/scan?partition=0", alice,
			map[string]any{"energy": []float64{1, 2}, "counts": []float64{10, 20}}),
			http.StatusOK, nil)
		decodeJSON(t, env.do(http.MethodPut, base+"/partition/physics/scan?partition=1", alice,
			map[string]any{"energy": []float64{3}, "counts": []float64{30}}),
			http.StatusOK, nil)

		resp := env.do(http.MethodGet, base+"/full/physics/scan", alice, nil)
		raw := readBody(t, resp, http.StatusOK)
		assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
		assert.Equal(t, "energy,counts\n1,10\n2,20\n3,30\n", string(raw))
	})

	t.Run("json reads return a column map", func(t *testing.T) {
		var doc struct {
			Energy []float64 `json:"energy"`
			Counts []float64 `json:"counts"`
		}
		decodeJSON(t, env.do(http.MethodGet, base+"/full/physics/scan", alice, nil,
			"Accept", "application/json"),
			http.StatusOK, &doc)
		assert.Equal(t, []float64{1, 2, 3}, doc.Energy)
		assert.Equal(t, []float64{10, 20, 30}, doc.Counts)
	})

	t.Run("single partition reads", func(t *testing.T) {
		raw := readBody(t,
			env.do(http.MethodGet, base+"/partition/physics/scan?partition=1", alice, nil),
			http.StatusOK)
		assert.Equal(t, "energy,counts\n3,30\n", string(raw))
	})

	t.Run("column selection narrows and orders", func(t *testing.T) {
		raw := readBody(t,
			env.do(http.MethodGet, base+"/full/physics/scan?column=counts", alice, nil),
			http.StatusOK)
		assert.Equal(t, "counts\n10\n20\n30\n", string(raw))
	})

	t.Run("appends extend a partition", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPatch, base+"/partition/physics/scan?partition=0", alice,
			map[string]any{"energy": []float64{4}, "counts": []float64{40}}),
			http.StatusOK, nil)

		var doc struct {
			Energy []float64 `json:"energy"`
		}
		decodeJSON(t, env.do(http.MethodGet, base+"/full/physics/scan", alice, nil,
			"Accept", "application/json"),
			http.StatusOK, &doc)
		assert.Equal(t, []float64{1, 2, 4, 3}, doc.Energy)
	})

	t.Run("undeclared write columns are rejected", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, base+"/partition/physics/scan?partition=0", alice,
			map[string]any{"volts": []float64{1}}),
			http.StatusBadRequest, nil)
	})

	t.Run("undeclared read columns are rejected", func(t *testing.T) {
		var body struct {
			Detail string `json:"detail"`
		}
		decodeJSON(t, env.do(http.MethodGet, base+"/full/physics/scan?column=volts", alice, nil),
			http.StatusBadRequest, &body)
		assert.Contains(t, body.Detail, "volts")
	})

	t.Run("ragged columns are rejected", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, base+"/full/physics/scan", alice,
			map[string]any{"energy": []float64{1, 2}, "counts": []float64{10}}),
			http.StatusBadRequest, nil)
	})

	t.Run("partitions outside the declared count", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, base+"/partition/physics/scan?partition=9", alice,
			map[string]any{"energy": []float64{1}, "counts": []float64{1}}),
			http.StatusBadRequest, nil)
		decodeJSON(t,
			env.do(http.MethodGet, base+"/partition/physics/scan?partition=9", alice, nil),
			http.StatusBadRequest, nil)
	})

	t.Run("table writes take json only", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, base+"/full/physics/scan", alice, []byte{1, 2, 3}),
			http.StatusUnsupportedMediaType, nil)
	})

	t.Run("readers read but cannot write", func(t *testing.T) {
		readBody(t, env.do(http.MethodGet, base+"/full/physics/scan", carol, nil), http.StatusOK)
		decodeJSON(t, env.do(http.MethodPut, base+"/full/physics/scan", carol,
			map[string]any{"energy": []float64{0}, "counts": []float64{0}}),
			http.StatusForbidden, nil)
	})

	t.Run("arrays are not tables", func(t *testing.T) {
		env.createNode(alice, "physics",
			float64ArrayBody("nottable", []int64{2}, [][]int64{{2}}))
		decodeJSON(t, env.do(http.MethodGet, base+"/full/physics/nottable", alice, nil),
			http.StatusBadRequest, nil)
	})
}

func TestTableSizeGuard(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.ResponseBytesizeLimit = 100
	})
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.createNode(alice, "physics", map[string]any{
		"id":               "wide",
		"structure_family": "table",
		"structure": map[string]any{
			"npartitions": 2,
			"columns":     []string{"a", "b", "c"},
			"row_counts":  []int64{5, 5},
			"length":      10,
		},
		"access_blob": map[string]any{"tags": []string{"physics"}},
	})

	t.Run("full reads over budget name the limit", func(t *testing.T) {
		var body struct {
			Detail string `json:"detail"`
		}
		decodeJSON(t, env.do(http.MethodGet, "/api/v1/table/full/physics/wide", alice, nil),
			http.StatusBadRequest, &body)
		assert.Contains(t, body.Detail, "response_bytesize_limit")
	})

	t.Run("a column of one partition fits", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, "/api/v1/table/partition/physics/wide?partition=0", alice,
			map[string]any{"a": []float64{1, 2, 3, 4, 5}, "b": []float64{1, 2, 3, 4, 5}, "c": []float64{1, 2, 3, 4, 5}}),
			http.StatusOK, nil)
		raw := readBody(t,
			env.do(http.MethodGet, "/api/v1/table/partition/physics/wide?partition=0&column=a", alice, nil),
			http.StatusOK)
		assert.Equal(t, "a\n1\n2\n3\n4\n5\n", string(raw))
	})
}
