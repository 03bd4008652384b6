package engine

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// SearchHandlers contains the container listing and faceting handlers.
type SearchHandlers struct {
	engine *Engine
}

// NewSearchHandlers creates a new instance of SearchHandlers.
func NewSearchHandlers(engine *Engine) *SearchHandlers {
	return &SearchHandlers{engine: engine}
}

// Search handles GET /api/v1/search/{path}: a paginated, filtered, sorted
// listing of the container's children. Children the caller cannot read are
// filtered out before pagination, so windows stay stable across callers
// with the same grants.
func (sh *SearchHandlers) Search(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	p, err := sh.engine.parseListParams(r)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}
	page, err := sh.engine.parsePagination(r)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}
	filters, err := query.ParseFilters(r.URL.Query())
	if err != nil {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v", err))
		return
	}
	sorting, err := structure.ParseSortParam(r.URL.Query().Get("sort"))
	if err != nil {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v", err))
		return
	}

	res, err := sh.engine.authorize(ctx, path, authz.ScopeReadMetadata)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}
	if !res.node.IsContainer() {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v: search requires a container", catalog.ErrNotContainer))
		return
	}

	all, err := sh.engine.accessFilters(ctx, filters)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}

	children, err := sh.engine.store.ItemsRange(ctx, res.node.Path(), page.Offset, page.Limit, sorting, all)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}
	count, exact, err := sh.engine.store.LenLowerBound(ctx, res.node.Path(), int64(sh.engine.config.Server.CountCeiling), all)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}

	docs := make([]*nodeDocument, 0, len(children))
	for _, child := range children {
		doc, err := sh.engine.buildNodeDocument(r, child, p, structure.Structure{})
		if err != nil {
			sh.engine.handleError(w, r, err)
			return
		}
		docs = append(docs, doc)
	}

	resp := listResponse{Data: docs, Meta: map[string]any{"count": count}}
	if !p.omitLinks {
		resp.Links = paginationLinks(r, page, count, exact)
	}
	sh.engine.writeEnvelope(w, r, http.StatusOK, resp)
}

// Distinct handles GET /api/v1/distinct/{path}: the distinct values among
// the container's children for the requested metadata keys, structure
// families and spec names, each optionally with occurrence counts.
func (sh *SearchHandlers) Distinct(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]
	q := r.URL.Query()

	filters, err := query.ParseFilters(q)
	if err != nil {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v", err))
		return
	}
	families, err := boolParam(q.Get("structure_families"))
	if err != nil {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "invalid structure_families parameter"))
		return
	}
	specs, err := boolParam(q.Get("specs"))
	if err != nil {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "invalid specs parameter"))
		return
	}
	counts, err := boolParam(q.Get("counts"))
	if err != nil {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "invalid counts parameter"))
		return
	}

	res, err := sh.engine.authorize(ctx, path, authz.ScopeReadMetadata)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}
	if !res.node.IsContainer() {
		sh.engine.handleError(w, r, errorf(http.StatusBadRequest, "%v: distinct requires a container", catalog.ErrNotContainer))
		return
	}

	all, err := sh.engine.accessFilters(ctx, filters)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}

	result, err := sh.engine.store.Distinct(ctx, res.node.Path(), all, q["metadata"], families, specs, counts)
	if err != nil {
		sh.engine.handleError(w, r, err)
		return
	}
	sh.engine.writeEnvelope(w, r, http.StatusOK, result)
}

// accessFilters prepends the policy's visibility predicates to the
// caller-supplied ones.
func (e *Engine) accessFilters(ctx context.Context, filters []query.Query) ([]query.Query, error) {
	caller := authz.CallerFrom(ctx)
	access, err := e.policy.Filters(ctx, caller, authz.NewScopeSet(authz.ScopeReadMetadata))
	if err != nil {
		return nil, err
	}
	return append(access, filters...), nil
}
