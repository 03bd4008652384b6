package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/stream"
)

const streamWriteTimeout = 10 * time.Second

// StreamHandlers contains the WebSocket streaming handlers.
type StreamHandlers struct {
	engine   *Engine
	upgrader websocket.Upgrader
}

// NewStreamHandlers creates a new instance of StreamHandlers.
func NewStreamHandlers(engine *Engine) *StreamHandlers {
	return &StreamHandlers{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// API keys, not cookies, authenticate subscribers, so
			// cross-origin pages hold no ambient authority here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// streamSchema is the first frame on every stream. It tells the subscriber
// how to decode the payload frames that follow.
type streamSchema struct {
	StructureFamily string         `json:"structure_family" msgpack:"structure_family"`
	Structure       map[string]any `json:"structure,omitempty" msgpack:"structure,omitempty"`
	DType           string         `json:"dtype,omitempty" msgpack:"dtype,omitempty"`
}

// StreamSingle handles GET /api/v1/stream/single/{path}: a WebSocket
// subscription to one node's record stream. Only API keys authenticate
// subscribers; a Bearer header is refused before the handshake. ?start=N
// replays stored records from max(1, N) before going live; without it the
// feed starts after the newest stored record. ?envelope= selects json text
// frames (default) or msgpack binary frames.
func (sth *StreamHandlers) StreamSingle(w http.ResponseWriter, r *http.Request) {
	sth.engine.TrackOperation()
	defer sth.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	if header := r.Header.Get("Authorization"); header != "" {
		scheme, _, _ := strings.Cut(header, " ")
		if !strings.EqualFold(scheme, "apikey") {
			sth.engine.writeError(w, r, http.StatusBadRequest, "streaming requires Apikey authorization")
			return
		}
	}
	caller := authz.CallerFrom(ctx)
	if caller.Anonymous {
		sth.engine.writeError(w, r, http.StatusUnauthorized, "streaming requires an api key")
		return
	}
	if sth.engine.streams == nil {
		sth.engine.writeError(w, r, http.StatusServiceUnavailable, "streaming is not configured")
		return
	}

	envelope := r.URL.Query().Get("envelope")
	if envelope == "" {
		envelope = "json"
	}
	if envelope != "json" && envelope != "msgpack" {
		sth.engine.writeError(w, r, http.StatusBadRequest, "envelope must be json or msgpack")
		return
	}

	res, err := sth.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		sth.engine.handleError(w, r, err)
		return
	}

	start, err := sth.resolveStart(ctx, r.URL.Query().Get("start"), res.node.Path())
	if err != nil {
		sth.engine.handleError(w, r, err)
		return
	}

	conn, err := sth.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	sth.engine.metrics.ActiveSockets.Inc()
	defer sth.engine.metrics.ActiveSockets.Dec()
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The client never sends data frames; reading serves only to notice
	// the close handshake and release the feed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeStreamFrame(conn, envelope, schemaFor(res.node)); err != nil {
		return
	}

	feed, err := sth.engine.streams.Follow(ctx, res.node.Path(), start)
	if err != nil {
		closeSocket(conn, websocket.CloseInternalServerErr, "subscription failed")
		return
	}
	defer feed.Close()

	for rec := range feed.Records() {
		if err := writeStreamFrame(conn, envelope, rec); err != nil {
			return
		}
		if rec.EndOfStream {
			break
		}
	}

	switch err := feed.Err(); {
	case err == nil:
		closeSocket(conn, websocket.CloseNormalClosure, "end of stream")
	case errors.Is(err, stream.ErrQueueOverflow):
		closeSocket(conn, websocket.CloseTryAgainLater, "subscriber fell behind")
	case errors.Is(err, context.Canceled):
		// Client went away first.
	default:
		closeSocket(conn, websocket.CloseInternalServerErr, "stream failed")
	}
}

// resolveStart parses ?start=. Absent means live-only: one past the newest
// stored sequence.
func (sth *StreamHandlers) resolveStart(ctx context.Context, raw, node string) (int64, error) {
	if raw == "" {
		current, err := sth.engine.streams.Datastore().CurrentSeq(ctx, node)
		if err != nil {
			return 0, err
		}
		return current + 1, nil
	}
	start, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || start < 0 {
		return 0, errorf(http.StatusBadRequest, "invalid start %q", raw)
	}
	return start, nil
}

// CloseStream handles DELETE /api/v1/stream/close/{path}: appends the
// end_of_stream record, after which subscribers drain and disconnect and
// further publishes are refused.
func (sth *StreamHandlers) CloseStream(w http.ResponseWriter, r *http.Request) {
	sth.engine.TrackOperation()
	defer sth.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := sth.engine.authorize(ctx, path, authz.ScopeWriteData)
	if err != nil {
		sth.engine.handleError(w, r, err)
		return
	}
	if sth.engine.streams == nil {
		sth.engine.handleError(w, r, errorf(http.StatusServiceUnavailable, "streaming is not configured"))
		return
	}

	seq, err := sth.engine.streams.CloseStream(ctx, res.node.Path())
	if err != nil {
		sth.engine.handleError(w, r, err)
		return
	}
	sth.engine.metrics.StreamMessages.Inc()
	sth.engine.writeEnvelope(w, r, http.StatusOK, map[string]any{"sequence": seq})
}

// schemaFor builds the stream's leading schema frame.
func schemaFor(node *catalog.Node) *streamSchema {
	schema := &streamSchema{StructureFamily: string(node.StructureFamily)}
	if doc, err := structureDoc(node.Structure()); err == nil {
		schema.Structure = doc
	}
	if st, ok := node.Structure().Array(); ok {
		schema.DType = st.DataType.String()
	}
	if st, ok := node.Structure().Sparse(); ok {
		schema.DType = st.DataType.String()
	}
	return schema
}

// writeStreamFrame encodes v under the chosen envelope and writes one
// frame: text for json, binary for msgpack.
func writeStreamFrame(conn *websocket.Conn, envelope string, v any) error {
	var (
		messageType int
		body        []byte
		err         error
	)
	if envelope == "msgpack" {
		messageType = websocket.BinaryMessage
		body, err = msgpack.Marshal(v)
	} else {
		messageType = websocket.TextMessage
		body, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteMessage(messageType, body)
}

// closeSocket sends the close handshake; failures just mean the peer is
// already gone.
func closeSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(streamWriteTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
