package engine

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/authz"
)

// AuthHandlers serves logins, tokens, API keys and principal management.
type AuthHandlers struct {
	engine *Engine
}

func NewAuthHandlers(engine *Engine) *AuthHandlers {
	return &AuthHandlers{engine: engine}
}

// Token handles POST /api/v1/auth/provider/{provider}/token. It is the
// OAuth-style token endpoint: form-encoded requests, password and
// device-code and refresh-token grants, machine-readable error codes so
// device-flow clients can poll on them.
func (h *AuthHandlers) Token(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine
	ctx := r.Context()
	provider := mux.Vars(r)["provider"]

	if err := r.ParseForm(); err != nil {
		e.writeEnvelope(w, r, http.StatusBadRequest, tokenError{Error: "invalid_request"})
		return
	}

	var pair *authn.TokenPair
	var err error
	switch grant := r.PostFormValue("grant_type"); grant {
	case "password":
		username := r.PostFormValue("username")
		password := r.PostFormValue("password")
		if username == "" || password == "" {
			e.writeEnvelope(w, r, http.StatusBadRequest, tokenError{Error: "invalid_request"})
			return
		}
		pair, err = e.auth.PasswordGrant(ctx, provider, username, password)
	case "device_code", "urn:ietf:params:oauth:grant-type:device_code":
		code := r.PostFormValue("device_code")
		if code == "" {
			e.writeEnvelope(w, r, http.StatusBadRequest, tokenError{Error: "invalid_request"})
			return
		}
		pair, err = e.auth.RedeemDeviceCode(ctx, code)
	case "refresh_token":
		token := r.PostFormValue("refresh_token")
		if token == "" {
			e.writeEnvelope(w, r, http.StatusBadRequest, tokenError{Error: "invalid_request"})
			return
		}
		pair, err = e.auth.Refresh(ctx, token)
	default:
		e.writeEnvelope(w, r, http.StatusBadRequest, tokenError{Error: "unsupported_grant_type"})
		return
	}
	if err != nil {
		if code, ok := oauthErrorCode(err); ok {
			e.writeEnvelope(w, r, http.StatusBadRequest, tokenError{Error: code})
			return
		}
		e.handleError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	e.writeEnvelope(w, r, http.StatusOK, pair)
}

// oauthErrorCode maps authentication failures to the token endpoint's error
// vocabulary. Anything it does not recognize is a server fault.
func oauthErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, authn.ErrAuthorizationPending):
		return "authorization_pending", true
	case errors.Is(err, authn.ErrDeviceCodeExpired):
		return "expired_token", true
	case errors.Is(err, authn.ErrInvalidCredentials),
		errors.Is(err, authn.ErrInvalidToken),
		errors.Is(err, authn.ErrSessionRevoked),
		errors.Is(err, authn.ErrSessionExpired),
		errors.Is(err, authn.ErrSessionNotFound),
		errors.Is(err, authn.ErrPendingSessionNotFound):
		return "invalid_grant", true
	case errors.Is(err, authn.ErrUnknownProvider):
		return "invalid_request", true
	}
	return "", false
}

// Authorize handles POST /api/v1/auth/provider/{provider}/authorize. It
// opens a device-code login and tells the client where to send its user.
func (h *AuthHandlers) Authorize(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	pending, err := e.auth.StartDeviceFlow(r.Context())
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	provider := mux.Vars(r)["provider"]
	e.writeEnvelope(w, r, http.StatusOK, &deviceAuthorization{
		UserCode:   pending.UserCode,
		DeviceCode: pending.DeviceCode,
		VerificationURI: requestBase(r) + "/api/v1/auth/provider/" +
			url.PathEscape(provider) + "/device_code",
		ExpiresIn: int64(time.Until(pending.Expiry).Seconds()),
		Interval:  int64(pending.Interval.Seconds()),
	})
}

var deviceCodePage = template.Must(template.New("device_code").Parse(`<!DOCTYPE html>
<html>
<head><title>Trellis device login</title></head>
<body>
<h1>Approve a device</h1>
{{- if .Message}}
<p><strong>{{.Message}}</strong></p>
{{- end}}
{{- if .Done}}
<p>The device is approved. You can close this page and return to your terminal.</p>
{{- else}}
<form method="POST">
<p><label>Code <input name="user_code" value="{{.Code}}"></label></p>
<p><label>Username <input name="username" autocomplete="username"></label></p>
<p><label>Password <input name="password" type="password" autocomplete="current-password"></label></p>
<p><button type="submit">Approve</button></p>
</form>
{{- end}}
</body>
</html>
`))

type deviceCodeView struct {
	Code    string
	Message string
	Done    bool
}

func (h *AuthHandlers) renderDeviceCode(w http.ResponseWriter, status int, view deviceCodeView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := deviceCodePage.Execute(w, view); err != nil && h.engine.logger != nil {
		h.engine.logger.Warnf("failed to render device code page: %v", err)
	}
}

// DeviceCodeForm handles GET /api/v1/auth/provider/{provider}/device_code,
// the browser side of the device flow. ?code= prefills the user code.
func (h *AuthHandlers) DeviceCodeForm(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	h.renderDeviceCode(w, http.StatusOK, deviceCodeView{
		Code: r.URL.Query().Get("code"),
	})
}

// DeviceCodeSubmit handles POST of the verification form: it authenticates
// the browser user against the provider and binds them to the pending
// session named by the user code.
func (h *AuthHandlers) DeviceCodeSubmit(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine
	ctx := r.Context()
	provider := mux.Vars(r)["provider"]

	if err := r.ParseForm(); err != nil {
		h.renderDeviceCode(w, http.StatusBadRequest, deviceCodeView{Message: "malformed form submission"})
		return
	}
	userCode := strings.TrimSpace(r.PostFormValue("user_code"))
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if userCode == "" || username == "" || password == "" {
		h.renderDeviceCode(w, http.StatusBadRequest, deviceCodeView{
			Code:    userCode,
			Message: "the code, username and password are all required",
		})
		return
	}

	principal, err := e.auth.VerifyCredentials(ctx, provider, username, password)
	switch {
	case errors.Is(err, authn.ErrUnknownProvider):
		h.renderDeviceCode(w, http.StatusBadRequest, deviceCodeView{
			Code:    userCode,
			Message: "unknown authentication provider",
		})
		return
	case errors.Is(err, authn.ErrInvalidCredentials):
		h.renderDeviceCode(w, http.StatusUnauthorized, deviceCodeView{
			Code:    userCode,
			Message: "invalid credentials",
		})
		return
	case err != nil:
		e.handleError(w, r, err)
		return
	}

	if err := e.auth.ApproveDeviceCode(ctx, userCode, principal.ID); err != nil {
		if errors.Is(err, authn.ErrPendingSessionNotFound) {
			h.renderDeviceCode(w, http.StatusNotFound, deviceCodeView{
				Message: "unknown or expired code; restart the login on your device",
			})
			return
		}
		e.handleError(w, r, err)
		return
	}
	h.renderDeviceCode(w, http.StatusOK, deviceCodeView{Done: true})
}

// Refresh handles POST /api/v1/auth/session/refresh. The refresh token in
// the body is the credential; no API key or cookie is consulted.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeRequest(r, &req); err != nil {
		e.handleError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		e.handleError(w, r, errorf(http.StatusBadRequest, "missing refresh_token"))
		return
	}

	pair, err := e.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	e.writeEnvelope(w, r, http.StatusOK, pair)
}

// RevokeSession handles DELETE /api/v1/auth/session/revoke/{sid}. Callers
// revoke their own sessions; admins revoke anyone's.
func (h *AuthHandlers) RevokeSession(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	caller, err := requireAuthenticated(r.Context())
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	raw := mux.Vars(r)["sid"]
	sid, err := uuid.Parse(raw)
	if err != nil {
		e.handleError(w, r, errorf(http.StatusBadRequest, "invalid session id %q", raw))
		return
	}
	if err := e.auth.RevokeSession(r.Context(), caller, sid); err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// Whoami handles GET /api/v1/auth/whoami. It describes the authenticated
// caller; anonymous requests are told to present credentials.
func (h *AuthHandlers) Whoami(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	caller, err := requireAuthenticated(r.Context())
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, newWhoami(caller))
}

// Logout handles POST /api/v1/auth/logout. It clears the browser cookie;
// the key itself stays valid until revoked.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	http.SetCookie(w, &http.Cookie{
		Name:     apiKeyCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
	})
	h.engine.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// ListAPIKeys handles GET /api/v1/auth/apikey for the caller's own keys.
func (h *AuthHandlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	caller, err := requireAuthenticated(r.Context())
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	keys, err := e.auth.ListAPIKeys(r.Context(), caller.PrincipalID)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	if keys == nil {
		keys = []authn.APIKey{}
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{"data": keys})
}

// CreateAPIKey handles POST /api/v1/auth/apikey. The response is the only
// place the secret ever appears.
func (h *AuthHandlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	caller, err := requireCredentialScopes(r.Context(), authz.ScopeCreateAPIKeys)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	var req apiKeyRequest
	if err := decodeRequest(r, &req); err != nil {
		e.handleError(w, r, err)
		return
	}
	key, secret, err := e.auth.CreateAPIKey(r.Context(), caller.PrincipalID, req.toAuthn())
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusCreated, apiKeyCreated{APIKey: key, Secret: secret})
}

// RevokeAPIKey handles DELETE /api/v1/auth/apikey?first_eight=. A full
// secret works too; only its prefix is consulted.
func (h *AuthHandlers) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	caller, err := requireCredentialScopes(r.Context(), authz.ScopeRevokeAPIKeys)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	ref := r.URL.Query().Get("first_eight")
	if ref == "" {
		e.handleError(w, r, errorf(http.StatusBadRequest, "missing first_eight parameter"))
		return
	}
	if err := e.auth.RevokeAPIKey(r.Context(), caller.PrincipalID, ref); err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{})
}

// ListPrincipals handles GET /api/v1/auth/principal.
func (h *AuthHandlers) ListPrincipals(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	if _, err := requireCredentialScopes(r.Context(), authz.ScopeReadPrincipals); err != nil {
		e.handleError(w, r, err)
		return
	}
	page, err := e.parsePagination(r)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	principals, total, err := e.auth.ListPrincipals(r.Context(), page.Offset, page.Limit)
	if err != nil {
		e.handleError(w, r, err)
		return
	}

	docs := make([]*principalDoc, 0, len(principals))
	for _, p := range principals {
		docs = append(docs, newPrincipalDoc(p))
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{
		"data":  docs,
		"meta":  map[string]any{"count": total},
		"links": paginationLinks(r, page, total, true),
	})
}

// GetPrincipal handles GET /api/v1/auth/principal/{uuid}, returning the
// principal with identities, roles, keys and sessions.
func (h *AuthHandlers) GetPrincipal(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	if _, err := requireCredentialScopes(r.Context(), authz.ScopeReadPrincipals); err != nil {
		e.handleError(w, r, err)
		return
	}
	raw := mux.Vars(r)["uuid"]
	id, err := uuid.Parse(raw)
	if err != nil {
		e.handleError(w, r, errorf(http.StatusBadRequest, "invalid principal id %q", raw))
		return
	}
	principal, err := e.auth.GetPrincipalDetail(r.Context(), id)
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusOK, map[string]any{"data": newPrincipalDoc(principal)})
}

// CreatePrincipalAPIKey handles POST /api/v1/auth/principal/{uuid}/apikey:
// an administrator mints a key on another principal's behalf. The key is
// still bounded by that principal's scopes.
func (h *AuthHandlers) CreatePrincipalAPIKey(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	if _, err := requireCredentialScopes(r.Context(), authz.ScopeAdminAPIKeys); err != nil {
		e.handleError(w, r, err)
		return
	}
	raw := mux.Vars(r)["uuid"]
	id, err := uuid.Parse(raw)
	if err != nil {
		e.handleError(w, r, errorf(http.StatusBadRequest, "invalid principal id %q", raw))
		return
	}
	var req apiKeyRequest
	if err := decodeRequest(r, &req); err != nil {
		e.handleError(w, r, err)
		return
	}
	key, secret, err := e.auth.CreateAPIKey(r.Context(), id, req.toAuthn())
	if err != nil {
		e.handleError(w, r, err)
		return
	}
	e.writeEnvelope(w, r, http.StatusCreated, apiKeyCreated{APIKey: key, Secret: secret})
}

// requireAuthenticated rejects anonymous callers.
func requireAuthenticated(ctx context.Context) (authz.Caller, error) {
	caller := authz.CallerFrom(ctx)
	if caller.Anonymous {
		return authz.Caller{}, errorf(http.StatusUnauthorized, "authentication required")
	}
	return caller, nil
}

// requireCredentialScopes additionally checks credential-level scopes. A
// miss is a 401 rather than a 403: no node grant can widen what the
// credential itself carries, so the fix is to present a better credential.
func requireCredentialScopes(ctx context.Context, required ...authz.Scope) (authz.Caller, error) {
	caller, err := requireAuthenticated(ctx)
	if err != nil {
		return authz.Caller{}, err
	}
	need := authz.NewScopeSet(required...)
	if !caller.Scopes.HasAll(need) {
		return authz.Caller{}, errorf(http.StatusUnauthorized,
			"credential does not carry the required scopes [%s]", strings.Join(need.Strings(), " "))
	}
	return caller, nil
}
