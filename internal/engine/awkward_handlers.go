package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/serializer"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// AwkwardHandlers contains the handlers for ragged (awkward) nodes.
type AwkwardHandlers struct {
	engine *Engine
}

// NewAwkwardHandlers creates a new instance of AwkwardHandlers.
func NewAwkwardHandlers(engine *Engine) *AwkwardHandlers {
	return &AwkwardHandlers{engine: engine}
}

// awkwardPayloadDoc is the wire form of a full awkward payload. The form is
// an opaque JSON document; buffers are raw bytes, base64 in JSON bodies.
type awkwardPayloadDoc struct {
	Form    json.RawMessage   `json:"form" msgpack:"form"`
	Length  int64             `json:"length" msgpack:"length"`
	Buffers map[string][]byte `json:"buffers" msgpack:"buffers"`
}

// GetAwkwardFull handles GET /api/v1/awkward/full/{path}: the form, length
// and every buffer.
func (awh *AwkwardHandlers) GetAwkwardFull(w http.ResponseWriter, r *http.Request) {
	awh.engine.TrackOperation()
	defer awh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := awh.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		awh.engine.handleError(w, r, err)
		return
	}
	awh.engine.serveAwkwardFull(w, r, res)
}

// serveAwkwardFull reads and writes out the form, length and every buffer.
func (e *Engine) serveAwkwardFull(w http.ResponseWriter, r *http.Request, res *resolved) {
	ctx := r.Context()

	reader, st, err := e.awkwardReader(ctx, res)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	buffers, err := reader.ReadBuffers(ctx, nil)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	doc := &awkwardPayloadDoc{Form: st.Form, Length: st.Length, Buffers: buffers}
	e.writeNegotiated(w, r, res.node, doc)
}

// GetAwkwardBuffers handles GET /api/v1/awkward/buffers/{path} with
// repeatable ?form_key= parameters naming the buffers wanted.
func (awh *AwkwardHandlers) GetAwkwardBuffers(w http.ResponseWriter, r *http.Request) {
	awh.engine.TrackOperation()
	defer awh.engine.UntrackOperation()

	awh.serveBuffers(w, r, r.URL.Query()["form_key"])
}

// PostAwkwardBuffers handles POST /api/v1/awkward/buffers/{path}. It is a
// read; the body carries the form-key list when it is too long for a query
// string.
func (awh *AwkwardHandlers) PostAwkwardBuffers(w http.ResponseWriter, r *http.Request) {
	awh.engine.TrackOperation()
	defer awh.engine.UntrackOperation()

	var formKeys []string
	if err := decodeRequest(r, &formKeys); err != nil {
		awh.engine.handleError(w, r, err)
		return
	}
	awh.serveBuffers(w, r, formKeys)
}

func (awh *AwkwardHandlers) serveBuffers(w http.ResponseWriter, r *http.Request, formKeys []string) {
	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := awh.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		awh.engine.handleError(w, r, err)
		return
	}
	reader, _, err := awh.engine.awkwardReader(ctx, res)
	if err != nil {
		awh.engine.handleError(w, r, err)
		return
	}

	buffers, err := reader.ReadBuffers(ctx, formKeys)
	if err != nil {
		awh.engine.handleError(w, r, err)
		return
	}
	awh.engine.writeNegotiated(w, r, res.node, buffers)
}

// PutAwkwardFull handles PUT /api/v1/awkward/full/{path}: replaces the
// form, length and buffers in one shot.
func (awh *AwkwardHandlers) PutAwkwardFull(w http.ResponseWriter, r *http.Request) {
	awh.engine.TrackOperation()
	defer awh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := awh.engine.authorize(ctx, path, authz.ScopeWriteData)
	if err != nil {
		awh.engine.handleError(w, r, err)
		return
	}
	awh.engine.acceptAwkwardFull(w, r, res)
}

// acceptAwkwardFull decodes and lands a full awkward overwrite.
func (e *Engine) acceptAwkwardFull(w http.ResponseWriter, r *http.Request, res *resolved) {
	ctx := r.Context()

	if res.node.StructureFamily != structure.FamilyAwkward {
		e.handleError(w, r, errorf(http.StatusBadRequest, "awkward routes serve awkward nodes, not %s", res.node.StructureFamily))
		return
	}
	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	writer, ok := a.(adapter.AwkwardWriter)
	if !ok {
		e.handleError(w, r, unsupported(res.node, "awkward writes"))
		return
	}

	doc, err := readAwkwardBody(r)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	if err := writer.WriteBuffers(ctx, doc.Form, doc.Length, doc.Buffers); err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// awkwardReader resolves the node's adapter and asserts the read
// capability.
func (e *Engine) awkwardReader(ctx context.Context, res *resolved) (adapter.AwkwardReader, *structure.AwkwardStructure, error) {
	if res.node.StructureFamily != structure.FamilyAwkward {
		return nil, nil, errorf(http.StatusBadRequest, "awkward routes serve awkward nodes, not %s", res.node.StructureFamily)
	}
	st, ok := res.node.Structure().Awkward()
	if !ok {
		return nil, nil, errorf(http.StatusConflict, "node %q carries no awkward structure", res.node.Path())
	}
	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		return nil, nil, err
	}
	reader, ok := a.(adapter.AwkwardReader)
	if !ok {
		return nil, nil, unsupported(res.node, "awkward reads")
	}
	return reader, st, nil
}

// readAwkwardBody decodes a JSON or msgpack awkward payload document.
func readAwkwardBody(r *http.Request) (*awkwardPayloadDoc, error) {
	var doc awkwardPayloadDoc
	switch mt := baseMediaType(r.Header.Get("Content-Type")); mt {
	case "", serializer.MediaJSON:
		if err := decodeRequest(r, &doc); err != nil {
			return nil, err
		}
	case serializer.MediaMsgpack:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errorf(http.StatusBadRequest, "failed to read request body: %v", err)
		}
		if err := msgpack.Unmarshal(body, &doc); err != nil {
			return nil, errorf(http.StatusBadRequest, "invalid request body: %v", err)
		}
	default:
		return nil, errorf(http.StatusUnsupportedMediaType, "awkward writes accept %s or %s, got %s",
			serializer.MediaJSON, serializer.MediaMsgpack, mt)
	}
	if len(doc.Buffers) == 0 {
		return nil, errorf(http.StatusBadRequest, "awkward payload carries no buffers")
	}
	return &doc, nil
}
