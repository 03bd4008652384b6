package engine

import (
	"net/http"
	"net/url"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/health"
	"github.com/trellisdata/trellis/pkg/structure"
)

// InfoHandlers serves the server-info, health and metrics endpoints.
type InfoHandlers struct {
	engine *Engine
}

func NewInfoHandlers(engine *Engine) *InfoHandlers {
	return &InfoHandlers{engine: engine}
}

// ServerInfo handles GET /. It tells clients the API version, which formats
// each structure family serializes to, and how to authenticate.
func (h *InfoHandlers) ServerInfo(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	formats := make(map[string][]string, len(structure.Families))
	for _, family := range structure.Families {
		formats[string(family)] = e.formats.MediaTypes(nil, family)
	}

	base := requestBase(r)
	prefix := base + "/api/" + APIVersion
	names := e.auth.ProviderNames()
	providers := make([]providerInfo, 0, len(names))
	for _, name := range names {
		root := prefix + "/auth/provider/" + url.PathEscape(name)
		providers = append(providers, providerInfo{
			Provider: name,
			Links: map[string]string{
				"token":     root + "/token",
				"authorize": root + "/authorize",
			},
		})
	}

	e.writeEnvelope(w, r, http.StatusOK, &serverInfo{
		APIVersion:     APIVersion,
		ServiceName:    "trellis",
		ServiceVersion: e.version,
		Formats:        formats,
		Aliases:        e.formats.Aliases(),
		Authentication: authInfo{
			Required:  !e.config.Auth.AllowAnonymousAccess,
			Providers: providers,
		},
		Links: map[string]string{
			"metadata": prefix + "/metadata/",
			"search":   prefix + "/search/",
			"whoami":   prefix + "/auth/whoami",
			"healthz":  base + "/healthz",
		},
	})
}

// Healthz handles GET /healthz. It runs every registered check and reports
// 503 when any of them fails, so load balancers can act on the status code
// alone.
func (h *InfoHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	status := e.health.RunAll()
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	e.writeEnvelope(w, r, code, map[string]any{
		"status": status,
		"checks": e.health.GetAllChecks(),
	})
}

// Metrics handles GET /metrics in Prometheus text format. Unless the
// deployment opts into anonymous scraping, the credential needs the metrics
// scope.
func (h *InfoHandlers) Metrics(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()
	e := h.engine

	if !e.config.Metrics.AllowAnonymous {
		if _, err := requireCredentialScopes(r.Context(), authz.ScopeMetrics); err != nil {
			e.handleError(w, r, err)
			return
		}
	}
	e.metrics.Handler().ServeHTTP(w, r)
}
