package engine

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
)

// RevisionHandlers contains the metadata revision history handlers.
type RevisionHandlers struct {
	engine *Engine
}

// NewRevisionHandlers creates a new instance of RevisionHandlers.
func NewRevisionHandlers(engine *Engine) *RevisionHandlers {
	return &RevisionHandlers{engine: engine}
}

// ListRevisions handles GET /api/v1/revisions/{path}: the node's metadata
// history, oldest first.
func (rh *RevisionHandlers) ListRevisions(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	page, err := rh.engine.parsePagination(r)
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}
	res, err := rh.engine.authorize(ctx, path, authz.ScopeReadMetadata)
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}
	if res.node.Key == "" {
		rh.engine.handleError(w, r, errorf(http.StatusBadRequest, "the root container keeps no revisions"))
		return
	}

	revisions, err := rh.engine.store.Revisions(ctx, res.node.ID, page.Offset, page.Limit)
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}

	docs := make([]*revisionDoc, 0, len(revisions))
	for _, rev := range revisions {
		docs = append(docs, newRevisionDoc(rev))
	}
	rh.engine.writeEnvelope(w, r, http.StatusOK, map[string]any{"data": docs})
}

// DeleteRevision handles DELETE /api/v1/revisions/{path}?number=N.
func (rh *RevisionHandlers) DeleteRevision(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	ctx := r.Context()
	path := mux.Vars(r)["path"]

	raw := r.URL.Query().Get("number")
	if raw == "" {
		rh.engine.handleError(w, r, errorf(http.StatusBadRequest, "missing number parameter"))
		return
	}
	number, err := strconv.Atoi(raw)
	if err != nil || number < 0 {
		rh.engine.handleError(w, r, errorf(http.StatusBadRequest, "invalid revision number %q", raw))
		return
	}

	res, err := rh.engine.authorize(ctx, path, authz.ScopeDeleteRevision)
	if err != nil {
		rh.engine.handleError(w, r, err)
		return
	}
	if err := rh.engine.store.DeleteRevision(ctx, res.node.ID, number); err != nil {
		rh.engine.handleError(w, r, err)
		return
	}
	rh.engine.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}
