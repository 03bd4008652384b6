package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/serializer"
	"github.com/trellisdata/trellis/internal/stream"
	"github.com/trellisdata/trellis/internal/validation"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// apiError carries an explicit HTTP status chosen at the point the failure
// is detected.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string {
	return e.detail
}

func errorf(status int, format string, args ...any) *apiError {
	return &apiError{status: status, detail: fmt.Sprintf(format, args...)}
}

// errorBody is the wire form of every error response.
type errorBody struct {
	Detail        string `json:"detail" msgpack:"detail"`
	CorrelationID string `json:"correlation_id" msgpack:"correlation_id"`
}

// statusForError maps an error to its HTTP status and client-facing detail.
// Unrecognized errors are reported as internal.
func statusForError(err error) (int, string) {
	var api *apiError
	if errors.As(err, &api) {
		return api.status, api.detail
	}

	var vErr *validation.Error
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, vErr.Error()
	}
	var negErr *serializer.NegotiationError
	if errors.As(err, &negErr) {
		return http.StatusNotAcceptable, negErr.Error()
	}

	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, catalog.ErrRevisionNotFound),
		errors.Is(err, adapter.ErrKeyNotFound),
		errors.Is(err, authn.ErrPrincipalNotFound),
		errors.Is(err, authn.ErrSessionNotFound),
		errors.Is(err, authn.ErrAPIKeyNotFound),
		errors.Is(err, authn.ErrPendingSessionNotFound),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, authn.ErrInvalidCredentials),
		errors.Is(err, authn.ErrInvalidToken),
		errors.Is(err, authn.ErrSessionExpired):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, authz.ErrForbidden):
		return http.StatusForbidden, err.Error()

	case errors.Is(err, catalog.ErrConflict),
		errors.Is(err, catalog.ErrHasChildren),
		errors.Is(err, authn.ErrSessionRevoked),
		errors.Is(err, stream.ErrStreamClosed):
		return http.StatusConflict, err.Error()

	case errors.Is(err, adapter.ErrUnsupported):
		return http.StatusMethodNotAllowed, err.Error()

	case errors.Is(err, serializer.ErrUnsupportedShape):
		return http.StatusNotAcceptable, err.Error()

	case errors.Is(err, structure.ErrInvalidSlice),
		errors.Is(err, catalog.ErrInvalidKey),
		errors.Is(err, catalog.ErrNotContainer),
		errors.Is(err, catalog.ErrNoWritableStorage),
		errors.Is(err, adapter.ErrBlockOutOfRange),
		errors.Is(err, adapter.ErrShapeMismatch),
		errors.Is(err, adapter.ErrAdapterNotFound),
		errors.Is(err, authz.ErrInvalidBlob),
		errors.Is(err, authz.ErrUnknownTag),
		errors.Is(err, authz.ErrSelfLockout),
		errors.Is(err, authn.ErrScopeEscalation),
		errors.Is(err, authn.ErrUnknownProvider):
		return http.StatusBadRequest, err.Error()
	}

	return http.StatusInternalServerError, ""
}

// handleError maps err onto the wire and logs internals with their stack.
func (e *Engine) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusForError(err)
	if status == http.StatusInternalServerError {
		cid := correlationFrom(r.Context())
		if e.logger != nil {
			e.logger.Errorf("internal error [%s] %s %s: %v\n%s",
				cid, r.Method, r.URL.Path, err, debug.Stack())
		}
		detail = fmt.Sprintf("internal server error; reference correlation id %s", cid)
	}
	e.writeError(w, r, status, detail)
}

// writeError emits the structured error body. Error responses carry no
// ETag and are never cached.
func (e *Engine) writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	body := errorBody{
		Detail:        detail,
		CorrelationID: correlationFrom(r.Context()),
	}
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, detail, status)
		return
	}
	h := w.Header()
	h.Set("Content-Type", serializer.MediaJSON)
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// correlationFrom returns the request's correlation id, empty outside a
// request context.
func correlationFrom(ctx context.Context) string {
	if state := stateFrom(ctx); state != nil {
		return state.correlationID
	}
	return ""
}
