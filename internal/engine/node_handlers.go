package engine

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// NodeHandlers contains the deprecated combined data route. It forwards to
// the family-specific full handlers; clients should migrate to those.
type NodeHandlers struct {
	engine *Engine
}

// NewNodeHandlers creates a new instance of NodeHandlers.
func NewNodeHandlers(engine *Engine) *NodeHandlers {
	return &NodeHandlers{engine: engine}
}

// GetNodeFull handles GET /api/v1/node/full/{path}, dispatching on the
// node's family.
func (nh *NodeHandlers) GetNodeFull(w http.ResponseWriter, r *http.Request) {
	nh.engine.TrackOperation()
	defer nh.engine.UntrackOperation()
	w.Header().Set("Deprecation", "true")

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	slices, err := structure.ParseSlices(r.URL.Query().Get("slice"))
	if err != nil {
		nh.engine.handleError(w, r, err)
		return
	}
	res, err := nh.engine.authorize(ctx, path, authz.ScopeReadData)
	if err != nil {
		nh.engine.handleError(w, r, err)
		return
	}

	switch {
	case res.node.IsContainer():
		if !res.allowed.Has(authz.ScopeReadMetadata) {
			nh.engine.handleError(w, r, errorf(http.StatusForbidden,
				"access to this node does not include [%s]", authz.ScopeReadMetadata))
			return
		}
		p, err := nh.engine.parseListParams(r)
		if err != nil {
			nh.engine.handleError(w, r, err)
			return
		}
		view, err := nh.engine.containerAdapter(ctx, res.node, nil)
		if err != nil {
			nh.engine.handleError(w, r, err)
			return
		}
		budget := nh.engine.config.Server.InlinedContentsLimit
		contents, err := nh.engine.readContainerFull(ctx, view, p.maxDepth, &budget)
		if err != nil {
			nh.engine.handleError(w, r, err)
			return
		}
		nh.engine.writeEnvelope(w, r, http.StatusOK, contents)
	case res.node.StructureFamily == structure.FamilyArray,
		res.node.StructureFamily == structure.FamilySparse:
		nh.engine.serveArrayFull(w, r, res, slices)
	case res.node.StructureFamily == structure.FamilyTable:
		nh.engine.serveTableRead(w, r, res, -1, r.URL.Query()["column"])
	case res.node.StructureFamily == structure.FamilyAwkward:
		nh.engine.serveAwkwardFull(w, r, res)
	default:
		nh.engine.handleError(w, r, errorf(http.StatusBadRequest, "family %s has no full read", res.node.StructureFamily))
	}
}

// PutNodeFull handles PUT /api/v1/node/full/{path}, dispatching writes on
// the node's family. Containers have no combined write.
func (nh *NodeHandlers) PutNodeFull(w http.ResponseWriter, r *http.Request) {
	nh.engine.TrackOperation()
	defer nh.engine.UntrackOperation()
	w.Header().Set("Deprecation", "true")

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := nh.engine.authorize(ctx, path, authz.ScopeWriteData)
	if err != nil {
		nh.engine.handleError(w, r, err)
		return
	}

	switch res.node.StructureFamily {
	case structure.FamilyArray, structure.FamilySparse:
		nh.engine.acceptArrayFull(w, r, res)
	case structure.FamilyTable:
		nh.engine.acceptTableWrite(w, r, res, tableWriteFull, 0)
	case structure.FamilyAwkward:
		nh.engine.acceptAwkwardFull(w, r, res)
	default:
		nh.engine.handleError(w, r, fmt.Errorf("%w: containers have no combined write", adapter.ErrUnsupported))
	}
}
