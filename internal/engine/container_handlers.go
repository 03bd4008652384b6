package engine

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/serializer"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// ContainerHandlers contains the whole-container data handlers.
type ContainerHandlers struct {
	engine *Engine
}

// NewContainerHandlers creates a new instance of ContainerHandlers.
func NewContainerHandlers(engine *Engine) *ContainerHandlers {
	return &ContainerHandlers{engine: engine}
}

// GetContainerFull handles GET /api/v1/container/full/{path}: a recursive
// read of the container's contents keyed by child key. Subtrees larger
// than inlined_contents_limit entries or deeper than the effective depth
// limit refuse with 400; /search pages through them instead.
func (ch *ContainerHandlers) GetContainerFull(w http.ResponseWriter, r *http.Request) {
	ch.engine.TrackOperation()
	defer ch.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	p, err := ch.engine.parseListParams(r)
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}

	res, err := ch.engine.authorize(ctx, path, authz.ScopeReadMetadata, authz.ScopeReadData)
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}
	if !res.node.IsContainer() {
		ch.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v: full reads of this kind apply to containers", catalog.ErrNotContainer))
		return
	}

	view, err := ch.engine.containerAdapter(ctx, res.node, nil)
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}

	budget := ch.engine.config.Server.InlinedContentsLimit
	contents, err := ch.engine.readContainerFull(ctx, view, p.maxDepth, &budget)
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}
	ch.engine.writeEnvelope(w, r, http.StatusOK, contents)
}

// readContainerFull pages through the container and inlines every child:
// leaf payloads as JSON-encodable values, sub-containers recursively.
// budget counts down across the whole subtree.
func (e *Engine) readContainerFull(ctx context.Context, view adapter.Container, depth int, budget *int) (map[string]any, error) {
	out := map[string]any{}
	const page = 500
	for offset := 0; ; offset += page {
		items, err := view.ItemsRange(ctx, offset, page)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			*budget--
			if *budget < 0 {
				return nil, errorf(http.StatusBadRequest,
					"container contents exceed the inline limit of %d entries; page through /search instead",
					e.config.Server.InlinedContentsLimit)
			}
			if child, ok := item.Adapter.(adapter.Container); ok {
				if depth <= 1 {
					return nil, errorf(http.StatusBadRequest,
						"container nesting exceeds the effective depth limit; raise max_depth or page through /search")
				}
				nested, err := e.readContainerFull(ctx, child, depth-1, budget)
				if err != nil {
					return nil, err
				}
				out[item.Key] = nested
				continue
			}
			value, err := e.readLeafValue(ctx, item.Adapter)
			if err != nil {
				return nil, err
			}
			out[item.Key] = value
		}
		if len(items) < page {
			break
		}
	}
	return out, nil
}

// readLeafValue reads a leaf's full payload in its JSON-encodable form.
func (e *Engine) readLeafValue(ctx context.Context, a adapter.Adapter) (any, error) {
	switch a.StructureFamily() {
	case structure.FamilyArray:
		reader, ok := a.(adapter.ArrayReader)
		if !ok {
			return nil, adapter.NewUnsupportedError("", "read", "adapter is not readable")
		}
		payload, err := reader.Read(ctx, nil)
		if err != nil {
			return nil, err
		}
		return serializer.JSONValue(payload)
	case structure.FamilyTable:
		reader, ok := a.(adapter.TableReader)
		if !ok {
			return nil, adapter.NewUnsupportedError("", "read", "adapter is not readable")
		}
		payload, err := reader.Read(ctx, nil)
		if err != nil {
			return nil, err
		}
		return serializer.JSONValue(payload)
	case structure.FamilySparse:
		reader, ok := a.(adapter.SparseReader)
		if !ok {
			return nil, adapter.NewUnsupportedError("", "read", "adapter is not readable")
		}
		payload, err := reader.Read(ctx)
		if err != nil {
			return nil, err
		}
		return serializer.JSONValue(payload)
	case structure.FamilyAwkward:
		reader, ok := a.(adapter.AwkwardReader)
		if !ok {
			return nil, adapter.NewUnsupportedError("", "read", "adapter is not readable")
		}
		buffers, err := reader.ReadBuffers(ctx, nil)
		if err != nil {
			return nil, err
		}
		value := map[string]any{"buffers": buffers}
		if awkward, ok := a.Structure().Awkward(); ok {
			value["form"] = awkward.Form
			value["length"] = awkward.Length
		}
		return value, nil
	}
	return nil, adapter.NewUnsupportedError("", "read", "family has no full read")
}

// CreateContainerChild handles POST /api/v1/container/full/{path}: node
// creation plus immediate payload write is not combined here; the body is
// the same document POST /metadata accepts, restricted to container
// children so bulk loaders can build trees before writing leaves.
func (ch *ContainerHandlers) CreateContainerChild(w http.ResponseWriter, r *http.Request) {
	ch.engine.TrackOperation()
	defer ch.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	var req nodePostRequest
	if err := decodeRequest(r, &req); err != nil {
		ch.engine.handleError(w, r, err)
		return
	}

	res, err := ch.engine.authorize(ctx, path, authz.ScopeCreateNode, authz.ScopeWriteData)
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}

	family, err := structure.ParseFamily(req.StructureFamily)
	if err != nil {
		ch.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v", err))
		return
	}
	if !family.IsContainer() {
		ch.engine.handleError(w, r, errorf(http.StatusBadRequest, "this route creates container nodes; POST /metadata creates %s nodes", family))
		return
	}

	node, modified, err := ch.engine.createChild(ctx, res.node, &req)
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}

	doc, err := ch.engine.buildNodeDocument(r, node, listParams{}, structure.Structure{})
	if err != nil {
		ch.engine.handleError(w, r, err)
		return
	}
	resp := documentResponse{Data: doc}
	if modified {
		resp.Meta = map[string]any{"metadata": node.Metadata}
	}
	ch.engine.writeEnvelope(w, r, http.StatusCreated, resp)
}
