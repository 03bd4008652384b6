package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// Server binds the engine's handlers to the HTTP surface. It is itself an
// http.Handler so tests can drive it without a listener.
type Server struct {
	engine           *Engine
	router           *mux.Router
	httpServer       *http.Server
	metadataHandler  *MetadataHandlers
	registerHandler  *RegisterHandlers
	searchHandler    *SearchHandlers
	containerHandler *ContainerHandlers
	arrayHandler     *ArrayHandlers
	tableHandler     *TableHandlers
	awkwardHandler   *AwkwardHandlers
	nodeHandler      *NodeHandlers
	revisionHandler  *RevisionHandlers
	assetHandler     *AssetHandlers
	streamHandler    *StreamHandlers
	authHandler      *AuthHandlers
	infoHandler      *InfoHandlers
	middleware       *Middleware
}

func NewServer(engine *Engine) *Server {
	s := &Server{
		engine:           engine,
		router:           mux.NewRouter(),
		metadataHandler:  NewMetadataHandlers(engine),
		registerHandler:  NewRegisterHandlers(engine),
		searchHandler:    NewSearchHandlers(engine),
		containerHandler: NewContainerHandlers(engine),
		arrayHandler:     NewArrayHandlers(engine),
		tableHandler:     NewTableHandlers(engine),
		awkwardHandler:   NewAwkwardHandlers(engine),
		nodeHandler:      NewNodeHandlers(engine),
		revisionHandler:  NewRevisionHandlers(engine),
		assetHandler:     NewAssetHandlers(engine),
		streamHandler:    NewStreamHandlers(engine),
		authHandler:      NewAuthHandlers(engine),
		infoHandler:      NewInfoHandlers(engine),
		middleware:       NewMiddleware(engine),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.middleware.Correlation)
	s.router.Use(s.middleware.Recovery)
	s.router.Use(s.middleware.Logging)
	s.router.Use(s.middleware.Authentication)
	s.router.Use(s.middleware.Timeout)
}

// pathRoute registers a handler both with and without a trailing path so
// the root container stays addressable.
func pathRoute(r *mux.Router, prefix string, handler http.HandlerFunc, methods ...string) {
	r.HandleFunc(prefix+"/{path:.*}", handler).Methods(methods...)
	r.HandleFunc(prefix, handler).Methods(methods...)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.infoHandler.ServerInfo).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/healthz", s.infoHandler.Healthz).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/metrics", s.infoHandler.Metrics).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/" + APIVersion).Subrouter()

	pathRoute(api, "/metadata", s.metadataHandler.GetMetadata, http.MethodGet, http.MethodHead)
	pathRoute(api, "/metadata", s.metadataHandler.CreateNode, http.MethodPost)
	pathRoute(api, "/metadata", s.metadataHandler.PatchMetadata, http.MethodPatch)
	pathRoute(api, "/metadata", s.metadataHandler.PutMetadata, http.MethodPut)
	pathRoute(api, "/metadata", s.metadataHandler.DeleteNode, http.MethodDelete)

	pathRoute(api, "/register", s.registerHandler.RegisterNode, http.MethodPost)

	pathRoute(api, "/search", s.searchHandler.Search, http.MethodGet, http.MethodHead)
	pathRoute(api, "/distinct", s.searchHandler.Distinct, http.MethodGet, http.MethodHead)

	pathRoute(api, "/container/full", s.containerHandler.GetContainerFull, http.MethodGet, http.MethodHead)
	pathRoute(api, "/container/full", s.containerHandler.CreateContainerChild, http.MethodPost)

	pathRoute(api, "/array/full", s.arrayHandler.GetArrayFull, http.MethodGet, http.MethodHead)
	pathRoute(api, "/array/full", s.arrayHandler.PutArrayFull, http.MethodPut)
	pathRoute(api, "/array/block", s.arrayHandler.GetArrayBlock, http.MethodGet, http.MethodHead)
	pathRoute(api, "/array/block", s.arrayHandler.PutArrayBlock, http.MethodPut)

	pathRoute(api, "/table/full", s.tableHandler.GetTableFull, http.MethodGet, http.MethodHead)
	pathRoute(api, "/table/full", s.tableHandler.PostTableFull, http.MethodPost)
	pathRoute(api, "/table/full", s.tableHandler.PutTableFull, http.MethodPut)
	pathRoute(api, "/table/partition", s.tableHandler.GetTablePartition, http.MethodGet, http.MethodHead)
	pathRoute(api, "/table/partition", s.tableHandler.PostTablePartition, http.MethodPost)
	pathRoute(api, "/table/partition", s.tableHandler.PutTablePartition, http.MethodPut)
	pathRoute(api, "/table/partition", s.tableHandler.PatchTablePartition, http.MethodPatch)

	pathRoute(api, "/awkward/full", s.awkwardHandler.GetAwkwardFull, http.MethodGet, http.MethodHead)
	pathRoute(api, "/awkward/full", s.awkwardHandler.PutAwkwardFull, http.MethodPut)
	pathRoute(api, "/awkward/buffers", s.awkwardHandler.GetAwkwardBuffers, http.MethodGet, http.MethodHead)
	pathRoute(api, "/awkward/buffers", s.awkwardHandler.PostAwkwardBuffers, http.MethodPost)

	pathRoute(api, "/node/full", s.nodeHandler.GetNodeFull, http.MethodGet, http.MethodHead)
	pathRoute(api, "/node/full", s.nodeHandler.PutNodeFull, http.MethodPut)

	pathRoute(api, "/revisions", s.revisionHandler.ListRevisions, http.MethodGet, http.MethodHead)
	pathRoute(api, "/revisions", s.revisionHandler.DeleteRevision, http.MethodDelete)

	pathRoute(api, "/asset/bytes", s.assetHandler.GetAssetBytes, http.MethodGet, http.MethodHead)
	pathRoute(api, "/asset/manifest", s.assetHandler.GetAssetManifest, http.MethodGet, http.MethodHead)

	pathRoute(api, "/stream/single", s.streamHandler.StreamSingle, http.MethodGet)
	pathRoute(api, "/stream/close", s.streamHandler.CloseStream, http.MethodDelete)

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/provider/{provider}/token", s.authHandler.Token).Methods(http.MethodPost)
	auth.HandleFunc("/provider/{provider}/authorize", s.authHandler.Authorize).Methods(http.MethodPost)
	auth.HandleFunc("/provider/{provider}/device_code", s.authHandler.DeviceCodeForm).Methods(http.MethodGet)
	auth.HandleFunc("/provider/{provider}/device_code", s.authHandler.DeviceCodeSubmit).Methods(http.MethodPost)
	auth.HandleFunc("/session/refresh", s.authHandler.Refresh).Methods(http.MethodPost)
	auth.HandleFunc("/session/revoke/{sid}", s.authHandler.RevokeSession).Methods(http.MethodDelete)
	auth.HandleFunc("/whoami", s.authHandler.Whoami).Methods(http.MethodGet, http.MethodHead)
	auth.HandleFunc("/logout", s.authHandler.Logout).Methods(http.MethodPost)
	auth.HandleFunc("/apikey", s.authHandler.ListAPIKeys).Methods(http.MethodGet, http.MethodHead)
	auth.HandleFunc("/apikey", s.authHandler.CreateAPIKey).Methods(http.MethodPost)
	auth.HandleFunc("/apikey", s.authHandler.RevokeAPIKey).Methods(http.MethodDelete)
	auth.HandleFunc("/principal", s.authHandler.ListPrincipals).Methods(http.MethodGet, http.MethodHead)
	auth.HandleFunc("/principal/{uuid}", s.authHandler.GetPrincipal).Methods(http.MethodGet, http.MethodHead)
	auth.HandleFunc("/principal/{uuid}/apikey", s.authHandler.CreatePrincipalAPIKey).Methods(http.MethodPost)

	// Unmatched paths and methods still answer in the API's error shape.
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.engine.writeError(w, r, http.StatusNotFound, "unknown route "+r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.engine.writeError(w, r, http.StatusMethodNotAllowed, r.Method+" is not supported on "+r.URL.Path)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves HTTP until ctx is canceled, then drains in-flight requests
// within server.shutdown_timeout. WebSocket subscriptions end when their
// clients disconnect or the process exits.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.engine.config.Server
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.ListenAndServe()
	}()
	if s.engine.logger != nil {
		s.engine.logger.Infof("Serving on %s", addr)
	}

	select {
	case err := <-errc:
		_ = s.engine.Stop(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.ShutdownTimeout)
		defer cancel()
	}
	err := s.httpServer.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if stopErr := s.engine.Stop(context.Background()); err == nil {
		err = stopErr
	}
	return err
}
