package engine

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/pkg/structure"
)

// RegisterHandlers contains the handlers for registering nodes over
// externally-managed assets.
type RegisterHandlers struct {
	engine *Engine
}

// NewRegisterHandlers creates a new instance of RegisterHandlers.
func NewRegisterHandlers(engine *Engine) *RegisterHandlers {
	return &RegisterHandlers{engine: engine}
}

// RegisterNode handles POST /api/v1/register/{path}. The body either names
// a uri and mimetype, in which case the matching generator walks the asset
// and produces the data sources, or declares the data sources in full.
func (rh *RegisterHandlers) RegisterNode(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	var req registerRequest
	if err := decodeRequest(r, &req); err != nil {
		rh.engine.handleError(w, r, err)
		return
	}

	res, err := rh.engine.authorize(ctx, path, authz.ScopeRegister)
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}

	var (
		node     *catalog.Node
		modified bool
	)
	if req.URI != "" {
		node, modified, err = rh.engine.registerByURI(ctx, res.node, &req)
	} else {
		if len(req.DataSources) == 0 {
			err = errorf(http.StatusBadRequest, "registration requires a uri or explicit data sources")
		} else {
			node, modified, err = rh.engine.createChild(ctx, res.node, &req.nodePostRequest)
		}
	}
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}

	doc, err := rh.engine.buildNodeDocument(r, node, listParams{}, structure.Structure{})
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}
	resp := documentResponse{Data: doc}
	if modified {
		resp.Meta = map[string]any{"metadata": node.Metadata}
	}
	rh.engine.writeEnvelope(w, r, http.StatusCreated, resp)
}

// registerByURI asks the generator registered for the mimetype to inspect
// the asset and produce the node's data sources. The node's family follows
// the generated structure unless the request names one.
func (e *Engine) registerByURI(ctx context.Context, parent *catalog.Node, req *registerRequest) (*catalog.Node, bool, error) {
	if req.Mimetype == "" {
		return nil, false, errorf(http.StatusBadRequest, "registration by uri requires a mimetype")
	}

	generate, err := e.adapters.LookupGenerator(req.Mimetype)
	if err != nil {
		return nil, false, err
	}
	sources, err := generate(ctx, req.Mimetype, req.URI, req.IsDirectory)
	if err != nil {
		return nil, false, errorf(http.StatusBadRequest, "failed to register %q: %v", req.URI, err)
	}
	if len(sources) == 0 {
		return nil, false, errorf(http.StatusUnprocessableEntity, "no data sources could be generated for %q", req.URI)
	}

	family := sources[0].Structure.Family()
	if req.StructureFamily != "" {
		if family, err = structure.ParseFamily(req.StructureFamily); err != nil {
			return nil, false, errorf(http.StatusBadRequest, "%v", err)
		}
	}
	return e.persistChild(ctx, parent, family, sources[0].Structure, sources, &req.nodePostRequest)
}
