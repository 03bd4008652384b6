package engine

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/stream"
	"github.com/trellisdata/trellis/pkg/config"
)

// dialStream opens a WebSocket subscription against the test server.
func dialStream(env *testEnv, path, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", token)
	}
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + path
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func readStreamFrame(t *testing.T, conn *websocket.Conn, wantType int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wantType, messageType)
	return data
}

func readJSONRecord(t *testing.T, conn *websocket.Conn) *stream.Record {
	t.Helper()
	var rec stream.Record
	require.NoError(t, json.Unmarshal(readStreamFrame(t, conn, websocket.TextMessage), &rec))
	return &rec
}

// seedStreamNode stands up physics/live, a 1-D float64 array with one
// stored data record, and returns an api key that can subscribe to it.
func seedStreamNode(t *testing.T, env *testEnv) string {
	t.Helper()
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")

	env.seedContainer(admin, "physics", []string{"physics"})
	env.createNode(alice, "physics", float64ArrayBody("live", []int64{4}, [][]int64{{4}}))
	decodeJSON(t, env.do(http.MethodPut, "/api/v1/array/full/physics/live", alice, f64le(0, 1, 2, 3)),
		http.StatusOK, nil)
	return env.apiKey("alice", "wonderland", authn.APIKeyRequest{ExpiresIn: time.Hour, Note: "subscriber"})
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login("alice", "wonderland")
	key := seedStreamNode(t, env)

	conn, _, err := dialStream(env, "/api/v1/stream/single/physics/live?start=1", key)
	require.NoError(t, err)
	defer conn.Close()

	var schema struct {
		StructureFamily string `json:"structure_family"`
		DType           string `json:"dtype"`
	}
	require.NoError(t, json.Unmarshal(readStreamFrame(t, conn, websocket.TextMessage), &schema))
	assert.Equal(t, "array", schema.StructureFamily)
	assert.Equal(t, "<f8", schema.DType)

	rec := readJSONRecord(t, conn)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, []int64{4}, rec.Shape)
	assert.Equal(t, "<f8", rec.DType)
	assert.Equal(t, f64le(0, 1, 2, 3), rec.Payload)
	assert.False(t, rec.Timestamp.IsZero())

	// A write while subscribed arrives as a live record.
	decodeJSON(t, env.do(http.MethodPut, "/api/v1/array/block/physics/live?block=0", alice, f64le(9, 8, 7, 6)),
		http.StatusOK, nil)
	rec = readJSONRecord(t, conn)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.Equal(t, f64le(9, 8, 7, 6), rec.Payload)

	var closed struct {
		Sequence int64 `json:"sequence"`
	}
	decodeJSON(t, env.do(http.MethodDelete, "/api/v1/stream/close/physics/live", alice, nil),
		http.StatusOK, &closed)
	assert.Equal(t, int64(3), closed.Sequence)

	rec = readJSONRecord(t, conn)
	assert.Equal(t, int64(3), rec.Sequence)
	assert.True(t, rec.EndOfStream)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "close error: %v", err)

	t.Run("closing twice conflicts", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/stream/close/physics/live", alice, nil),
			http.StatusConflict, nil)
	})

	t.Run("writes after close succeed without a record", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodPut, "/api/v1/array/full/physics/live", alice, f64le(5, 5, 5, 5)),
			http.StatusOK, nil)
	})
}

func TestStreamLiveOnlyDefault(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login("alice", "wonderland")
	key := seedStreamNode(t, env)

	// Without ?start the stored record is skipped and only later writes
	// arrive.
	conn, _, err := dialStream(env, "/api/v1/stream/single/physics/live", key)
	require.NoError(t, err)
	defer conn.Close()

	readStreamFrame(t, conn, websocket.TextMessage)

	decodeJSON(t, env.do(http.MethodPut, "/api/v1/array/block/physics/live?block=0", alice, f64le(4, 3, 2, 1)),
		http.StatusOK, nil)

	rec := readJSONRecord(t, conn)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.Equal(t, f64le(4, 3, 2, 1), rec.Payload)
}

func TestStreamContainerEvents(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("bob", "builder")
	alice := env.login("alice", "wonderland")

	env.seedContainer(admin, "obs", []string{"physics"})
	key := env.apiKey("alice", "wonderland", authn.APIKeyRequest{ExpiresIn: time.Hour})

	conn, _, err := dialStream(env, "/api/v1/stream/single/obs?start=1", key)
	require.NoError(t, err)
	defer conn.Close()

	var schema struct {
		StructureFamily string `json:"structure_family"`
	}
	require.NoError(t, json.Unmarshal(readStreamFrame(t, conn, websocket.TextMessage), &schema))
	assert.Equal(t, "container", schema.StructureFamily)

	env.createNode(alice, "obs", map[string]any{"id": "n1", "structure_family": "container"})

	rec := readJSONRecord(t, conn)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, stream.EventChildCreated, rec.Event)
	assert.Equal(t, "n1", rec.Key)

	decodeJSON(t, env.do(http.MethodPatch, "/api/v1/metadata/obs/n1", alice,
		map[string]any{"metadata": map[string]any{"phase": "hot"}},
		"Content-Type", "application/merge-patch+json"),
		http.StatusOK, nil)

	rec = readJSONRecord(t, conn)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.Equal(t, stream.EventChildMetadataUpdated, rec.Event)
	assert.Equal(t, "n1", rec.Key)
}

func TestStreamMsgpackEnvelope(t *testing.T) {
	env := newTestEnv(t)
	key := seedStreamNode(t, env)

	conn, _, err := dialStream(env, "/api/v1/stream/single/physics/live?start=1&envelope=msgpack", key)
	require.NoError(t, err)
	defer conn.Close()

	var schema struct {
		StructureFamily string `msgpack:"structure_family"`
		DType           string `msgpack:"dtype"`
	}
	require.NoError(t, msgpack.Unmarshal(readStreamFrame(t, conn, websocket.BinaryMessage), &schema))
	assert.Equal(t, "array", schema.StructureFamily)
	assert.Equal(t, "<f8", schema.DType)

	var rec stream.Record
	require.NoError(t, msgpack.Unmarshal(readStreamFrame(t, conn, websocket.BinaryMessage), &rec))
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, f64le(0, 1, 2, 3), rec.Payload)

	t.Run("unknown envelopes refuse the handshake", func(t *testing.T) {
		_, resp, err := dialStream(env, "/api/v1/stream/single/physics/live?envelope=yaml", key)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStreamAuthentication(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login("alice", "wonderland")
	carol := env.login("carol", "cipher")
	key := seedStreamNode(t, env)

	refuse := func(t *testing.T, path, token string, wantStatus int) {
		t.Helper()
		_, resp, err := dialStream(env, path, token)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, wantStatus, resp.StatusCode)
	}

	t.Run("anonymous subscribers are refused", func(t *testing.T) {
		refuse(t, "/api/v1/stream/single/physics/live", "", http.StatusUnauthorized)
	})

	t.Run("bearer tokens are refused before the handshake", func(t *testing.T) {
		refuse(t, "/api/v1/stream/single/physics/live", alice, http.StatusBadRequest)
	})

	t.Run("keys without read scope on data are refused", func(t *testing.T) {
		narrow := env.apiKey("alice", "wonderland", authn.APIKeyRequest{
			ExpiresIn: time.Hour,
			Scopes:    []string{"read:metadata"},
		})
		refuse(t, "/api/v1/stream/single/physics/live", narrow, http.StatusUnauthorized)
	})

	t.Run("negative starts are refused", func(t *testing.T) {
		refuse(t, "/api/v1/stream/single/physics/live?start=-3", key, http.StatusBadRequest)
	})

	t.Run("readers cannot close streams", func(t *testing.T) {
		decodeJSON(t, env.do(http.MethodDelete, "/api/v1/stream/close/physics/live", carol, nil),
			http.StatusForbidden, nil)
	})
}

func TestStreamRedisDatastore(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Stream.Datastore = "redis"
		cfg.Stream.RedisURL = "redis://" + mr.Addr()
	})
	alice := env.login("alice", "wonderland")
	key := seedStreamNode(t, env)

	conn, _, err := dialStream(env, "/api/v1/stream/single/physics/live?start=1", key)
	require.NoError(t, err)
	defer conn.Close()

	readStreamFrame(t, conn, websocket.TextMessage)

	rec := readJSONRecord(t, conn)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, f64le(0, 1, 2, 3), rec.Payload)

	decodeJSON(t, env.do(http.MethodDelete, "/api/v1/stream/close/physics/live", alice, nil),
		http.StatusOK, nil)

	rec = readJSONRecord(t, conn)
	assert.True(t, rec.EndOfStream)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "close error: %v", err)
}
