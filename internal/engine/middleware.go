package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/trellisdata/trellis/internal/authz"
)

// apiKeyCookie carries an API key for browser sessions. The authentication
// middleware moves a ?api_key= query parameter into it.
const apiKeyCookie = "trellis_api_key"

// correlationHeader echoes the request's correlation id.
const correlationHeader = "X-Trellis-Correlation-Id"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const stateContextKey contextKey = "request_state"

// requestState is shared across the middleware chain for one request: the
// correlation middleware creates it, authentication fills the caller, and
// the logging middleware reads it after the handler returns.
type requestState struct {
	correlationID string
	caller        authz.Caller
	authenticated bool
	timings       *stageTimings
}

func stateFrom(ctx context.Context) *requestState {
	state, _ := ctx.Value(stateContextKey).(*requestState)
	return state
}

// Middleware holds the engine's HTTP middleware chain.
type Middleware struct {
	engine *Engine
}

// NewMiddleware creates a new middleware instance.
func NewMiddleware(engine *Engine) *Middleware {
	return &Middleware{engine: engine}
}

// Correlation assigns each request a correlation id, echoes it as a
// response header and seeds the per-request state.
func (m *Middleware) Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := &requestState{
			correlationID: uuid.New().String(),
			caller:        authz.AnonymousCaller(),
			timings:       &stageTimings{metrics: m.engine.metrics},
		}
		w.Header().Set(correlationHeader, state.correlationID)
		ctx := context.WithValue(r.Context(), stateContextKey, state)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recovery turns panics into 500 responses that reference the correlation
// id, logging the stack server-side.
func (m *Middleware) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				cid := correlationFrom(r.Context())
				if m.engine.logger != nil {
					m.engine.logger.Errorf("panic [%s] %s %s: %v\n%s",
						cid, r.Method, r.URL.Path, rec, debug.Stack())
				}
				m.engine.writeError(w, r, http.StatusInternalServerError,
					fmt.Sprintf("internal server error; reference correlation id %s", cid))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging emits one structured line per request and feeds the duration
// histogram.
func (m *Middleware) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.engine.metrics.RequestDuration.
			WithLabelValues(r.Method, routeTemplate(r), strconv.Itoa(status)).
			Observe(duration.Seconds())

		state := stateFrom(r.Context())
		if state != nil {
			state.timings.observe("total", duration)
		}
		if m.engine.logger == nil {
			return
		}
		principal := "anonymous"
		scopes := ""
		if state != nil && state.authenticated {
			principal = state.caller.PrincipalID.String()
			scopes = strings.Join(state.caller.Scopes.Strings(), ",")
		}
		m.engine.logger.WithFields(map[string]string{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         strconv.Itoa(status),
			"duration":       duration.String(),
			"principal":      principal,
			"scopes":         scopes,
			"correlation_id": correlationFrom(r.Context()),
		}).Info("request completed")
	})
}

// Authentication resolves the request's credentials into a caller. Requests
// with no credentials proceed anonymously; whether that grants anything is
// decided per route by the scope checks.
func (m *Middleware) Authentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A key passed as ?api_key= is moved into the session cookie so
		// browser navigation keeps working without the parameter.
		if qk := r.URL.Query().Get("api_key"); qk != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     apiKeyCookie,
				Value:    qk,
				Path:     "/",
				SameSite: http.SameSiteLaxMode,
			})
		}

		caller, authenticated, err := m.engine.authenticate(r)
		if err != nil {
			m.engine.handleError(w, r, err)
			return
		}
		if state := stateFrom(r.Context()); state != nil {
			state.caller = caller
			state.authenticated = authenticated
		}
		next.ServeHTTP(w, r.WithContext(authz.WithCaller(r.Context(), caller)))
	})
}

// authenticate resolves credentials in precedence order: Authorization
// header, ?api_key=, cookie. Anonymous callers get the public scopes when
// anonymous access is enabled, and nothing otherwise.
func (e *Engine) authenticate(r *http.Request) (authz.Caller, bool, error) {
	ctx := r.Context()

	if header := r.Header.Get("Authorization"); header != "" {
		scheme, credential, ok := strings.Cut(header, " ")
		credential = strings.TrimSpace(credential)
		if !ok || credential == "" {
			return authz.Caller{}, false, errorf(http.StatusUnauthorized, "malformed Authorization header")
		}
		if strings.EqualFold(scheme, "apikey") {
			caller, err := e.auth.AuthenticateAPIKey(ctx, credential)
			return caller, err == nil, err
		}
		// Every other scheme is handed to the bearer-token parser.
		caller, err := e.auth.AuthenticateAccessToken(credential)
		return caller, err == nil, err
	}

	if qk := r.URL.Query().Get("api_key"); qk != "" {
		caller, err := e.auth.AuthenticateAPIKey(ctx, qk)
		return caller, err == nil, err
	}
	if cookie, err := r.Cookie(apiKeyCookie); err == nil && cookie.Value != "" {
		caller, err := e.auth.AuthenticateAPIKey(ctx, cookie.Value)
		return caller, err == nil, err
	}

	anon := authz.AnonymousCaller()
	if e.config.Auth.AllowAnonymousAccess {
		anon.Scopes = authz.PublicTagScopes()
	}
	return anon, false, nil
}

// Timeout bounds every request by server.request_timeout. WebSocket
// subscriptions are exempt; they live until either side closes.
func (m *Middleware) Timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := m.engine.config.Server.RequestTimeout
		if d <= 0 || strings.Contains(r.URL.Path, "/stream/single") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routeTemplate returns the matched mux route template, falling back to the
// raw path. Templates keep the metrics label cardinality bounded.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// statusRecorder captures the response status and size for logging. It
// passes hijacking through so WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
