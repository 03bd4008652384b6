package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/serializer"
	"github.com/trellisdata/trellis/internal/stream"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// ArrayHandlers contains the array and sparse data handlers. Sparse nodes
// share the array routes; their payloads are COO coordinate/value pairs.
type ArrayHandlers struct {
	engine *Engine
}

// NewArrayHandlers creates a new instance of ArrayHandlers.
func NewArrayHandlers(engine *Engine) *ArrayHandlers {
	return &ArrayHandlers{engine: engine}
}

// GetArrayFull handles GET /api/v1/array/full/{path}: the assembled array,
// optionally narrowed by ?slice=.
func (ah *ArrayHandlers) GetArrayFull(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	slices, err := structure.ParseSlices(r.URL.Query().Get("slice"))
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	res, err := ah.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	ah.engine.serveArrayFull(w, r, res, slices)
}

// GetArrayBlock handles GET /api/v1/array/block/{path}?block=i,j: one chunk
// of the grid, optionally sub-sliced.
func (ah *ArrayHandlers) GetArrayBlock(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	block, err := parseBlock(r.URL.Query().Get("block"))
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	slices, err := structure.ParseSlices(r.URL.Query().Get("slice"))
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	res, err := ah.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	ah.engine.serveArrayBlock(w, r, res, block, slices)
}

// PutArrayFull handles PUT /api/v1/array/full/{path}: a full overwrite from
// raw C-order bytes.
func (ah *ArrayHandlers) PutArrayFull(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := ah.engine.authorize(ctx, path, authz.ScopeWriteData)
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	ah.engine.acceptArrayFull(w, r, res)
}

// PutArrayBlock handles PUT /api/v1/array/block/{path}?block=i,j: overwrite
// of one chunk.
func (ah *ArrayHandlers) PutArrayBlock(w http.ResponseWriter, r *http.Request) {
	ah.engine.TrackOperation()
	defer ah.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	block, err := parseBlock(r.URL.Query().Get("block"))
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	res, err := ah.engine.authorize(ctx, path, authz.ScopeWriteData)
	if err != nil {
		ah.engine.handleError(w, r, err)
		return
	}
	ah.engine.acceptArrayBlock(w, r, res, block)
}

// serveArrayFull reads and writes out the node's full payload.
func (e *Engine) serveArrayFull(w http.ResponseWriter, r *http.Request, res *resolved, slices []structure.Slice) {
	ctx := r.Context()

	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	var payload any
	switch res.node.StructureFamily {
	case structure.FamilyArray:
		reader, ok := a.(adapter.ArrayReader)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "array reads"))
			return
		}
		if err := e.guardArrayBudget(res.node, slices); err != nil {
			e.handleError(w, r, err)
			return
		}
		if payload, err = reader.Read(ctx, slices); err != nil {
			e.handleError(w, r, err)
			return
		}
	case structure.FamilySparse:
		if len(slices) > 0 {
			e.handleError(w, r, errorf(http.StatusBadRequest, "sparse reads do not accept a slice; read blocks instead"))
			return
		}
		reader, ok := a.(adapter.SparseReader)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "sparse reads"))
			return
		}
		if payload, err = reader.Read(ctx); err != nil {
			e.handleError(w, r, err)
			return
		}
	default:
		e.handleError(w, r, errorf(http.StatusBadRequest, "array routes serve array and sparse nodes, not %s", res.node.StructureFamily))
		return
	}
	e.writeNegotiated(w, r, res.node, payload)
}

// serveArrayBlock reads and writes out one chunk.
func (e *Engine) serveArrayBlock(w http.ResponseWriter, r *http.Request, res *resolved, block []int, slices []structure.Slice) {
	ctx := r.Context()

	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	var payload any
	switch res.node.StructureFamily {
	case structure.FamilyArray:
		reader, ok := a.(adapter.ArrayReader)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "array reads"))
			return
		}
		if payload, err = reader.ReadBlock(ctx, block, slices); err != nil {
			e.handleError(w, r, err)
			return
		}
	case structure.FamilySparse:
		if len(slices) > 0 {
			e.handleError(w, r, errorf(http.StatusBadRequest, "sparse blocks do not accept a slice"))
			return
		}
		reader, ok := a.(adapter.SparseReader)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "sparse reads"))
			return
		}
		if payload, err = reader.ReadBlock(ctx, block); err != nil {
			e.handleError(w, r, err)
			return
		}
	default:
		e.handleError(w, r, errorf(http.StatusBadRequest, "array routes serve array and sparse nodes, not %s", res.node.StructureFamily))
		return
	}
	e.writeNegotiated(w, r, res.node, payload)
}

// acceptArrayFull decodes the request body against the node's declared
// structure and overwrites the full payload.
func (e *Engine) acceptArrayFull(w http.ResponseWriter, r *http.Request, res *resolved) {
	ctx := r.Context()

	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	switch res.node.StructureFamily {
	case structure.FamilyArray:
		writer, ok := a.(adapter.ArrayWriter)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "array writes"))
			return
		}
		st, ok := res.node.Structure().Array()
		if !ok {
			e.handleError(w, r, errorf(http.StatusConflict, "node %q carries no array structure", res.node.Path()))
			return
		}
		payload, err := readArrayBody(r, st.DataType, st.Shape)
		if err != nil {
			e.handleError(w, r, err)
			return
		}
		if err := writer.Write(ctx, payload); err != nil {
			e.handleError(w, r, err)
			return
		}
		e.publishArrayRecord(ctx, res.node, payload)
	case structure.FamilySparse:
		writer, ok := a.(adapter.SparseWriter)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "sparse writes"))
			return
		}
		st, ok := res.node.Structure().Sparse()
		if !ok {
			e.handleError(w, r, errorf(http.StatusConflict, "node %q carries no sparse structure", res.node.Path()))
			return
		}
		payload, err := readSparseBody(r, st)
		if err != nil {
			e.handleError(w, r, err)
			return
		}
		if err := writer.Write(ctx, payload); err != nil {
			e.handleError(w, r, err)
			return
		}
	default:
		e.handleError(w, r, errorf(http.StatusBadRequest, "array routes serve array and sparse nodes, not %s", res.node.StructureFamily))
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// acceptArrayBlock decodes and overwrites one chunk.
func (e *Engine) acceptArrayBlock(w http.ResponseWriter, r *http.Request, res *resolved, block []int) {
	ctx := r.Context()

	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	switch res.node.StructureFamily {
	case structure.FamilyArray:
		writer, ok := a.(adapter.ArrayWriter)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "array writes"))
			return
		}
		st, ok := res.node.Structure().Array()
		if !ok {
			e.handleError(w, r, errorf(http.StatusConflict, "node %q carries no array structure", res.node.Path()))
			return
		}
		shape, err := st.BlockShape(block)
		if err != nil {
			e.handleError(w, r, errorf(http.StatusBadRequest, "%v", err))
			return
		}
		payload, err := readArrayBody(r, st.DataType, shape)
		if err != nil {
			e.handleError(w, r, err)
			return
		}
		if err := writer.WriteBlock(ctx, payload, block); err != nil {
			e.handleError(w, r, err)
			return
		}
		e.publishArrayRecord(ctx, res.node, payload)
	case structure.FamilySparse:
		writer, ok := a.(adapter.SparseWriter)
		if !ok {
			e.handleError(w, r, unsupported(res.node, "sparse writes"))
			return
		}
		st, ok := res.node.Structure().Sparse()
		if !ok {
			e.handleError(w, r, errorf(http.StatusConflict, "node %q carries no sparse structure", res.node.Path()))
			return
		}
		payload, err := readSparseBody(r, st)
		if err != nil {
			e.handleError(w, r, err)
			return
		}
		if err := writer.WriteBlock(ctx, payload, block); err != nil {
			e.handleError(w, r, err)
			return
		}
	default:
		e.handleError(w, r, errorf(http.StatusBadRequest, "array routes serve array and sparse nodes, not %s", res.node.StructureFamily))
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// writeNegotiated serializes the payload under ?format= and Accept and
// writes it with caching headers.
func (e *Engine) writeNegotiated(w http.ResponseWriter, r *http.Request, node *catalog.Node, payload any) {
	mediaType, encode, err := e.formats.Negotiate(
		r.URL.Query().Get("format"), r.Header.Get("Accept"), node.Specs, node.StructureFamily)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	start := time.Now()
	body, err := encode(payload)
	observeStage(r.Context(), "serialize", start)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeBody(w, r, http.StatusOK, mediaType, body)
}

// guardArrayBudget rejects reads whose decoded size would exceed the
// configured response ceiling before any bytes are pulled from storage.
func (e *Engine) guardArrayBudget(node *catalog.Node, slices []structure.Slice) error {
	st, ok := node.Structure().Array()
	if !ok {
		return nil
	}
	shape := st.Shape
	if len(slices) > 0 {
		expanded, err := structure.ExpandEllipsis(slices, len(shape))
		if err != nil {
			return err
		}
		if shape, err = structure.ResultShape(expanded, shape); err != nil {
			return err
		}
	}
	size := st.DataType.ItemSize
	for _, extent := range shape {
		size *= extent
	}
	if limit := e.config.Server.ResponseBytesizeLimit; size > limit {
		return errorf(http.StatusBadRequest,
			"requested payload of %d bytes exceeds the response_bytesize_limit of %d bytes; request a slice or individual blocks",
			size, limit)
	}
	return nil
}

// readArrayBody decodes raw C-order bytes into a payload of the given
// shape. Only application/octet-stream bodies are accepted.
func readArrayBody(r *http.Request, dtype structure.DType, shape []int64) (*structure.ArrayPayload, error) {
	if mt := baseMediaType(r.Header.Get("Content-Type")); mt != "" && mt != serializer.MediaOctetStream {
		return nil, errorf(http.StatusUnsupportedMediaType, "array writes accept %s, got %s", serializer.MediaOctetStream, mt)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "failed to read request body: %v", err)
	}
	payload := &structure.ArrayPayload{DataType: dtype, Shape: shape, Data: data}
	if err := payload.Validate(); err != nil {
		return nil, errorf(http.StatusBadRequest, "%v", err)
	}
	return payload, nil
}

// readSparseBody decodes the COO wire framing: a uint64 LE non-zero count,
// the coords matrix (ndim x nnz) and the values vector (nnz).
func readSparseBody(r *http.Request, st *structure.SparseStructure) (*structure.SparsePayload, error) {
	if mt := baseMediaType(r.Header.Get("Content-Type")); mt != "" && mt != serializer.MediaOctetStream {
		return nil, errorf(http.StatusUnsupportedMediaType, "sparse writes accept %s, got %s", serializer.MediaOctetStream, mt)
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "failed to read request body: %v", err)
	}
	if len(raw) < 8 {
		return nil, errorf(http.StatusBadRequest, "sparse payload is missing its count header")
	}
	nnz := int64(binary.LittleEndian.Uint64(raw))
	ndim := int64(len(st.Shape))
	coordBytes := ndim * nnz * st.CoordType.ItemSize
	dataBytes := nnz * st.DataType.ItemSize
	if int64(len(raw)) != 8+coordBytes+dataBytes {
		return nil, errorf(http.StatusBadRequest,
			"sparse payload of %d bytes does not match %d entries", len(raw), nnz)
	}
	return &structure.SparsePayload{
		Coords: &structure.ArrayPayload{DataType: st.CoordType, Shape: []int64{ndim, nnz}, Data: raw[8 : 8+coordBytes]},
		Data:   &structure.ArrayPayload{DataType: st.DataType, Shape: []int64{nnz}, Data: raw[8+coordBytes:]},
	}, nil
}

// publishArrayRecord appends a data record to the node's stream. A closed
// stream does not fail the write that produced the record.
func (e *Engine) publishArrayRecord(ctx context.Context, node *catalog.Node, payload *structure.ArrayPayload) {
	if e.streams == nil {
		return
	}
	_, err := e.streams.Publish(ctx, node.Path(), &stream.Record{
		Shape:   payload.Shape,
		DType:   payload.DataType.String(),
		Payload: payload.Data,
	})
	switch {
	case err == nil:
		e.metrics.StreamMessages.Inc()
	case !errors.Is(err, stream.ErrStreamClosed) && e.logger != nil:
		e.logger.Warnf("failed to publish data record for %s: %v", node.Path(), err)
	}
}

// unsupported names the node's backing mimetype in a capability-miss error.
func unsupported(node *catalog.Node, op string) error {
	mimetype := "adapter"
	if len(node.DataSources) > 0 {
		mimetype = node.DataSources[0].Mimetype
	}
	return adapter.NewUnsupportedError(mimetype, op, "")
}
