package engine

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/serializer"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// TableHandlers contains the tabular data handlers.
type TableHandlers struct {
	engine *Engine
}

// NewTableHandlers creates a new instance of TableHandlers.
func NewTableHandlers(engine *Engine) *TableHandlers {
	return &TableHandlers{engine: engine}
}

// tableWriteMode selects which TableWriter method a write lands on.
type tableWriteMode int

const (
	tableWriteFull tableWriteMode = iota
	tableWritePartition
	tableAppendPartition
)

// GetTableFull handles GET /api/v1/table/full/{path}: the whole table,
// optionally narrowed by repeatable ?column= parameters.
func (th *TableHandlers) GetTableFull(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := th.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		th.engine.handleError(w, r, err)
		return
	}
	th.engine.serveTableRead(w, r, res, -1, r.URL.Query()["column"])
}

// GetTablePartition handles GET /api/v1/table/partition/{path}?partition=N.
func (th *TableHandlers) GetTablePartition(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	partition, err := parsePartition(r.URL.Query().Get("partition"))
	if err != nil {
		th.engine.handleError(w, r, err)
		return
	}
	res, err := th.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		th.engine.handleError(w, r, err)
		return
	}
	th.engine.serveTableRead(w, r, res, partition, r.URL.Query()["column"])
}

// PostTableFull handles POST /api/v1/table/full/{path}: a full overwrite.
func (th *TableHandlers) PostTableFull(w http.ResponseWriter, r *http.Request) {
	th.handleWrite(w, r, tableWriteFull, false)
}

// PutTableFull handles PUT /api/v1/table/full/{path}: a full overwrite.
func (th *TableHandlers) PutTableFull(w http.ResponseWriter, r *http.Request) {
	th.handleWrite(w, r, tableWriteFull, false)
}

// PostTablePartition handles POST /api/v1/table/partition/{path}?partition=N.
func (th *TableHandlers) PostTablePartition(w http.ResponseWriter, r *http.Request) {
	th.handleWrite(w, r, tableWritePartition, true)
}

// PutTablePartition handles PUT /api/v1/table/partition/{path}?partition=N.
func (th *TableHandlers) PutTablePartition(w http.ResponseWriter, r *http.Request) {
	th.handleWrite(w, r, tableWritePartition, true)
}

// PatchTablePartition handles PATCH /api/v1/table/partition/{path}: rows in
// the body are appended to the partition.
func (th *TableHandlers) PatchTablePartition(w http.ResponseWriter, r *http.Request) {
	th.handleWrite(w, r, tableAppendPartition, true)
}

func (th *TableHandlers) handleWrite(w http.ResponseWriter, r *http.Request, mode tableWriteMode, partitioned bool) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	partition := 0
	if partitioned {
		var err error
		if partition, err = parsePartition(r.URL.Query().Get("partition")); err != nil {
			th.engine.handleError(w, r, err)
			return
		}
	}
	res, err := th.engine.authorize(ctx, path, authz.ScopeWriteData)
	if err != nil {
		th.engine.handleError(w, r, err)
		return
	}
	th.engine.acceptTableWrite(w, r, res, mode, partition)
}

// serveTableRead reads the whole table (partition < 0) or one partition.
func (e *Engine) serveTableRead(w http.ResponseWriter, r *http.Request, res *resolved, partition int, columns []string) {
	ctx := r.Context()

	if res.node.StructureFamily != structure.FamilyTable {
		e.handleError(w, r, errorf(http.StatusBadRequest, "table routes serve table nodes, not %s", res.node.StructureFamily))
		return
	}
	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	reader, ok := a.(adapter.TableReader)
	if !ok {
		e.handleError(w, r, unsupported(res.node, "table reads"))
		return
	}
	if ts, ok := res.node.Structure().Table(); ok {
		for _, col := range columns {
			if !ts.HasColumn(col) {
				e.handleError(w, r, errorf(http.StatusBadRequest, "column %q is not part of the table", col))
				return
			}
		}
	}
	if err := e.guardTableBudget(res.node, partition, columns); err != nil {
		e.handleError(w, r, err)
		return
	}

	var payload *structure.TablePayload
	if partition < 0 {
		payload, err = reader.Read(ctx, columns)
	} else {
		payload, err = reader.ReadPartition(ctx, partition, columns)
	}
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeNegotiated(w, r, res.node, payload)
}

// acceptTableWrite decodes the body and lands it on the selected writer
// method.
func (e *Engine) acceptTableWrite(w http.ResponseWriter, r *http.Request, res *resolved, mode tableWriteMode, partition int) {
	ctx := r.Context()

	if res.node.StructureFamily != structure.FamilyTable {
		e.handleError(w, r, errorf(http.StatusBadRequest, "table routes serve table nodes, not %s", res.node.StructureFamily))
		return
	}
	a, err := e.dataAdapter(ctx, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	writer, ok := a.(adapter.TableWriter)
	if !ok {
		e.handleError(w, r, unsupported(res.node, "table writes"))
		return
	}
	payload, err := readTableBody(r, res.node)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	switch mode {
	case tableWriteFull:
		err = writer.Write(ctx, payload)
	case tableWritePartition:
		err = writer.WritePartition(ctx, payload, partition)
	case tableAppendPartition:
		err = writer.AppendPartition(ctx, payload, partition)
	}
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// guardTableBudget estimates the footprint of the selected columns of the
// selected partitions at eight bytes per cell and rejects reads over the
// response ceiling.
func (e *Engine) guardTableBudget(node *catalog.Node, partition int, columns []string) error {
	ts, ok := node.Structure().Table()
	if !ok {
		return nil
	}
	rows := ts.Length
	if partition >= 0 && partition < len(ts.RowCounts) {
		rows = ts.RowCounts[partition]
	}
	ncols := int64(len(ts.Columns))
	if len(columns) > 0 {
		ncols = int64(len(columns))
	}
	size := rows * ncols * 8
	if limit := e.config.Server.ResponseBytesizeLimit; size > limit {
		return errorf(http.StatusBadRequest,
			"requested payload of about %d bytes exceeds the response_bytesize_limit of %d bytes; select fewer columns or single partitions",
			size, limit)
	}
	return nil
}

// readTableBody decodes a JSON column map ordered by the node's declared
// columns. Columns absent from the declaration are rejected.
func readTableBody(r *http.Request, node *catalog.Node) (*structure.TablePayload, error) {
	if mt := baseMediaType(r.Header.Get("Content-Type")); mt != "" && mt != serializer.MediaJSON {
		return nil, errorf(http.StatusUnsupportedMediaType, "table writes accept %s, got %s", serializer.MediaJSON, mt)
	}

	var data map[string][]any
	if err := decodeRequest(r, &data); err != nil {
		return nil, err
	}
	ts, ok := node.Structure().Table()
	if !ok {
		return nil, errorf(http.StatusConflict, "node %q carries no table structure", node.Path())
	}

	for col := range data {
		if !ts.HasColumn(col) {
			return nil, errorf(http.StatusBadRequest, "column %q is not part of the table", col)
		}
	}
	ordered := make([]string, 0, len(data))
	for _, col := range ts.Columns {
		if _, ok := data[col]; ok {
			ordered = append(ordered, col)
		}
	}

	payload := &structure.TablePayload{Columns: ordered, Data: data}
	if err := payload.Validate(); err != nil {
		return nil, errorf(http.StatusBadRequest, "%v", err)
	}
	return payload, nil
}

// parsePartition reads the ?partition= parameter, defaulting to zero.
func parsePartition(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errorf(http.StatusBadRequest, "invalid partition %q", raw)
	}
	return v, nil
}
