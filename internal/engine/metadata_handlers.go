package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/adapters"
	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// MetadataHandlers contains the node document endpoint handlers.
type MetadataHandlers struct {
	engine *Engine
}

// NewMetadataHandlers creates a new instance of MetadataHandlers.
func NewMetadataHandlers(engine *Engine) *MetadataHandlers {
	return &MetadataHandlers{engine: engine}
}

// GetMetadata handles GET /api/v1/metadata/{path}.
func (mh *MetadataHandlers) GetMetadata(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	p, err := mh.engine.parseListParams(r)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	res, err := mh.engine.authorize(ctx, path, authz.ScopeReadMetadata)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	var st structure.Structure
	if res.node.IsContainer() && (p.fields.Has("structure") || p.fields.Has("count")) {
		view, err := mh.engine.containerAdapter(ctx, res.node, nil)
		if err != nil {
			mh.engine.handleError(w, r, err)
			return
		}
		count, _, err := view.LenLowerBound(ctx, int64(mh.engine.config.Server.CountCeiling))
		if err != nil {
			mh.engine.handleError(w, r, err)
			return
		}
		st = structure.FromContainerFamily(res.node.StructureFamily,
			structure.NewContainerStructure().WithCount(count))
	}

	doc, err := mh.engine.buildNodeDocument(r, res.node, p, st)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	mh.engine.writeEnvelope(w, r, http.StatusOK, documentResponse{Data: doc})
}

// CreateNode handles POST /api/v1/metadata/{path}: it creates a child of
// the addressed container.
func (mh *MetadataHandlers) CreateNode(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	var req nodePostRequest
	if err := decodeRequest(r, &req); err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	res, err := mh.engine.authorize(ctx, path, authz.ScopeCreateNode)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	node, modified, err := mh.engine.createChild(ctx, res.node, &req)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	doc, err := mh.engine.buildNodeDocument(r, node, listParams{}, structure.Structure{})
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	resp := documentResponse{Data: doc}
	if modified {
		resp.Meta = map[string]any{"metadata": node.Metadata}
	}
	mh.engine.writeEnvelope(w, r, http.StatusCreated, resp)
}

// createChild validates and persists a new node under parent, then emits
// the child_created event to ancestor streams. It reports whether any
// validator normalized the submitted metadata.
func (e *Engine) createChild(ctx context.Context, parent *catalog.Node, req *nodePostRequest) (*catalog.Node, bool, error) {
	family, err := structure.ParseFamily(req.StructureFamily)
	if err != nil {
		return nil, false, errorf(http.StatusBadRequest, "%v", err)
	}

	var st structure.Structure
	if len(req.Structure) > 0 || family.IsContainer() {
		if st, err = structure.Decode(family, req.Structure); err != nil {
			return nil, false, errorf(http.StatusBadRequest, "%v", err)
		}
		if err := st.Validate(); err != nil {
			return nil, false, errorf(http.StatusBadRequest, "%v", err)
		}
	}

	sources, st, err := e.buildDataSources(family, st, req.DataSources)
	if err != nil {
		return nil, false, err
	}
	return e.persistChild(ctx, parent, family, st, sources, req)
}

// persistChild is the shared tail of node creation and registration: key
// assignment, composite namespace enforcement, metadata validation, blob
// initialization, and the store insert.
func (e *Engine) persistChild(ctx context.Context, parent *catalog.Node, family structure.Family, st structure.Structure, sources []adapter.DataSource, req *nodePostRequest) (*catalog.Node, bool, error) {
	caller := authz.CallerFrom(ctx)

	if !parent.IsContainer() {
		return nil, false, errorf(http.StatusBadRequest, "%v: nodes can only be created under containers", catalog.ErrNotContainer)
	}
	if err := structure.ValidateSpecs(req.Specs); err != nil {
		return nil, false, errorf(http.StatusUnprocessableEntity, "%v", err)
	}

	key := req.ID
	if key == "" {
		key = uuid.NewString()
	}
	if err := e.checkCompositeMember(ctx, parent, key, family, sources); err != nil {
		return nil, false, err
	}

	metadata, modified, err := e.validators.Run(req.Metadata, family, st, req.Specs)
	if err != nil {
		return nil, false, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	var blob authz.AccessBlob
	if req.AccessBlob != nil {
		blob = *req.AccessBlob
	}
	if blob, err = e.policy.InitNode(ctx, caller, blob); err != nil {
		return nil, false, err
	}

	node := &catalog.Node{
		Key:             key,
		Ancestors:       parent.ChildAncestors(),
		StructureFamily: family,
		Metadata:        metadata,
		Specs:           req.Specs,
		Sorting:         req.Sorting,
		AccessBlob:      blob,
		CreatedBy:       caller.PrincipalID,
		UpdatedBy:       caller.PrincipalID,
		DataSources:     sources,
	}
	if err := e.store.CreateNode(ctx, node); err != nil {
		return nil, false, err
	}

	if e.streams != nil {
		e.streams.EmitChildCreated(ctx, node.Path())
	}
	return node, modified, nil
}

// buildDataSources assembles the stored data sources of a new node. With
// none declared, non-container families get a single writable source under
// the family's built-in mimetype; the store mints its storage directory.
// The returned structure is the node-level one, taken from the first
// source when the caller did not declare it at the top level.
func (e *Engine) buildDataSources(family structure.Family, st structure.Structure, reqs []dataSourceRequest) ([]adapter.DataSource, structure.Structure, error) {
	if len(reqs) == 0 {
		if family.IsContainer() {
			return nil, st, nil
		}
		if st.IsZero() {
			return nil, st, errorf(http.StatusBadRequest, "%s nodes require a structure", family)
		}
		mimetype, ok := adapters.DefaultMimetype(family)
		if !ok {
			return nil, st, errorf(http.StatusBadRequest, "family %q has no writable storage", family)
		}
		return []adapter.DataSource{{
			Mimetype:   mimetype,
			Structure:  st,
			Management: adapter.ManagementWritable,
		}}, st, nil
	}

	out := make([]adapter.DataSource, 0, len(reqs))
	for i, req := range reqs {
		srcSt := st
		if len(req.Structure) > 0 {
			var err error
			if srcSt, err = structure.Decode(family, req.Structure); err != nil {
				return nil, st, errorf(http.StatusBadRequest, "data source %d: %v", i, err)
			}
			if err := srcSt.Validate(); err != nil {
				return nil, st, errorf(http.StatusBadRequest, "data source %d: %v", i, err)
			}
		}
		if srcSt.IsZero() && !family.IsContainer() {
			return nil, st, errorf(http.StatusBadRequest, "data source %d requires a structure", i)
		}

		management := adapter.Management(req.Management)
		if management == "" {
			if len(req.Assets) > 0 {
				management = adapter.ManagementExternal
			} else {
				management = adapter.ManagementWritable
			}
		}
		if !management.Valid() {
			return nil, st, errorf(http.StatusBadRequest, "data source %d: unknown management %q", i, req.Management)
		}

		mimetype := req.Mimetype
		if mimetype == "" {
			var ok bool
			if mimetype, ok = adapters.DefaultMimetype(family); !ok {
				return nil, st, errorf(http.StatusBadRequest, "data source %d requires a mimetype", i)
			}
		}

		assets := make([]adapter.Asset, 0, len(req.Assets))
		for _, a := range req.Assets {
			assets = append(assets, adapter.Asset{
				DataURI:     a.DataURI,
				IsDirectory: a.IsDirectory,
				Parameter:   a.Parameter,
				Num:         a.Num,
			})
		}

		out = append(out, adapter.DataSource{
			Mimetype:   mimetype,
			Structure:  srcSt,
			Parameters: req.Parameters,
			Management: management,
			Assets:     assets,
		})
		if st.IsZero() {
			st = srcSt
		}
	}
	return out, st, nil
}

// checkCompositeMember enforces the composite flat namespace: no nested
// containers, and the new child's key plus any table column names must not
// collide with existing keys or column names.
func (e *Engine) checkCompositeMember(ctx context.Context, parent *catalog.Node, key string, family structure.Family, sources []adapter.DataSource) error {
	if parent.StructureFamily != structure.FamilyComposite {
		return nil
	}
	if family.IsContainer() {
		return errorf(http.StatusBadRequest, "composite containers cannot hold nested containers")
	}

	names := []string{key}
	if family == structure.FamilyTable && len(sources) > 0 {
		if ts, ok := sources[0].Structure.Table(); ok {
			names = append(names, ts.Columns...)
		}
	}
	introduced := make(map[string]bool, len(names))
	for _, name := range names {
		if introduced[name] {
			return errorf(http.StatusConflict, "%v: %q repeats within the new member", catalog.ErrConflict, name)
		}
		introduced[name] = true
	}

	taken := make(map[string]string)
	const page = 500
	for offset := 0; ; offset += page {
		children, err := e.store.ItemsRange(ctx, parent.Path(), offset, page, nil, nil)
		if err != nil {
			return err
		}
		for _, child := range children {
			taken[child.Key] = child.Key
			if ts, ok := child.Structure().Table(); ok {
				for _, col := range ts.Columns {
					taken[col] = child.Key
				}
			}
		}
		if len(children) < page {
			break
		}
	}
	for _, name := range names {
		if holder, ok := taken[name]; ok {
			return errorf(http.StatusConflict, "%v: composite namespace already holds %q (from %q)", catalog.ErrConflict, name, holder)
		}
	}
	return nil
}

// mutableTriple is the patchable view of a node document.
type mutableTriple struct {
	Metadata   map[string]any   `json:"metadata"`
	Specs      []structure.Spec `json:"specs"`
	AccessBlob authz.AccessBlob `json:"access_blob"`
}

// PatchMetadata handles PATCH /api/v1/metadata/{path}. The Content-Type
// selects the patch dialect: application/json-patch+json applies an RFC
// 6902 operation list, anything else is treated as an RFC 7396 merge
// patch. Both operate on the combined {metadata, specs, access_blob}
// document.
func (mh *MetadataHandlers) PatchMetadata(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := mh.engine.authorize(ctx, path, authz.ScopeWriteMetadata)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	if res.node.Key == "" {
		mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "the root container has no mutable document"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "failed to read request body: %v", err))
		return
	}

	current, err := json.Marshal(mutableTriple{
		Metadata:   res.node.Metadata,
		Specs:      res.node.Specs,
		AccessBlob: res.node.AccessBlob,
	})
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	var patched []byte
	switch baseMediaType(r.Header.Get("Content-Type")) {
	case "application/json-patch+json":
		patch, err := jsonpatch.DecodePatch(body)
		if err != nil {
			mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "invalid patch: %v", err))
			return
		}
		if patched, err = patch.Apply(current); err != nil {
			mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "patch failed: %v", err))
			return
		}
	default:
		if patched, err = jsonpatch.MergePatch(current, body); err != nil {
			mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "merge patch failed: %v", err))
			return
		}
	}

	var next mutableTriple
	if err := json.Unmarshal(patched, &next); err != nil {
		mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "patched document is not a node document: %v", err))
		return
	}
	mh.finishUpdate(w, r, res, next)
}

// PutMetadata handles PUT /api/v1/metadata/{path}: fields present in the
// body replace the stored values wholesale, absent fields are kept.
func (mh *MetadataHandlers) PutMetadata(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	var req nodePutRequest
	if err := decodeRequest(r, &req); err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	res, err := mh.engine.authorize(ctx, path, authz.ScopeWriteMetadata)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	if res.node.Key == "" {
		mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "the root container has no mutable document"))
		return
	}

	next := mutableTriple{
		Metadata:   res.node.Metadata,
		Specs:      res.node.Specs,
		AccessBlob: res.node.AccessBlob,
	}
	if req.Metadata != nil {
		next.Metadata = *req.Metadata
	}
	if req.Specs != nil {
		next.Specs = *req.Specs
	}
	if req.AccessBlob != nil {
		next.AccessBlob = *req.AccessBlob
	}
	mh.finishUpdate(w, r, res, next)
}

// finishUpdate runs the shared tail of PATCH and PUT: spec validation,
// metadata validators, the blob modification hook, the revision-snapshotting
// store update, and the ancestor notification.
func (mh *MetadataHandlers) finishUpdate(w http.ResponseWriter, r *http.Request, res *resolved, next mutableTriple) {
	ctx := r.Context()
	caller := authz.CallerFrom(ctx)

	if err := structure.ValidateSpecs(next.Specs); err != nil {
		mh.engine.handleError(w, r, errorf(http.StatusUnprocessableEntity, "%v", err))
		return
	}

	metadata, modified, err := mh.engine.validators.Run(next.Metadata, res.node.StructureFamily, res.node.Structure(), next.Specs)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	blob, err := mh.engine.policy.ModifyNode(ctx, caller, res.node.AccessBlob, next.AccessBlob)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	updated, err := mh.engine.store.UpdateNode(ctx, res.node, metadata, next.Specs, &blob, caller.PrincipalID)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}

	if mh.engine.streams != nil {
		mh.engine.streams.EmitChildMetadataUpdated(ctx, updated.Path())
	}

	doc, err := mh.engine.buildNodeDocument(r, updated, listParams{}, structure.Structure{})
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	resp := documentResponse{Data: doc}
	if modified {
		resp.Meta = map[string]any{"metadata": metadata}
	}
	mh.engine.writeEnvelope(w, r, http.StatusOK, resp)
}

// DeleteNode handles DELETE /api/v1/metadata/{path}. Nodes with children
// refuse deletion; asset bytes owned by the service are removed.
func (mh *MetadataHandlers) DeleteNode(w http.ResponseWriter, r *http.Request) {
	mh.engine.TrackOperation()
	defer mh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	res, err := mh.engine.authorize(ctx, path, authz.ScopeDeleteNode)
	if err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	if res.node.Key == "" {
		mh.engine.handleError(w, r, errorf(http.StatusBadRequest, "the root container cannot be deleted"))
		return
	}

	if err := mh.engine.store.DeleteNode(ctx, res.node); err != nil {
		mh.engine.handleError(w, r, err)
		return
	}
	mh.engine.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}
