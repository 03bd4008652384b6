// Package engine implements the HTTP and WebSocket surface of the catalog:
// routing, middleware, content negotiation, and the handlers that tie the
// catalog store, authorization policy, adapters, serializers and streaming
// service together.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/serializer"
	"github.com/trellisdata/trellis/internal/stream"
	"github.com/trellisdata/trellis/internal/validation"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/config"
	"github.com/trellisdata/trellis/pkg/health"
	"github.com/trellisdata/trellis/pkg/logger"
)

// APIVersion is reported by the server-info endpoint and used as the route
// prefix version segment.
const APIVersion = "v1"

// Options carries the engine's dependencies. Config, Logger, Store and Auth
// are required; the rest default to the package-level registries and an
// open policy.
type Options struct {
	Config     *config.Config
	Logger     *logger.Logger
	Store      *catalog.Store
	Auth       *authn.Service
	Policy     authz.Policy
	Adapters   *adapter.Registry
	Formats    *serializer.Registry
	Validators *validation.Registry
	Streams    *stream.Service
	Health     *health.Checker

	// Version is the build version reported by the server-info endpoint.
	Version string
}

// Engine owns the request-serving state. All fields are set at construction
// and immutable afterwards; the registries it holds are frozen before the
// first request.
type Engine struct {
	config     *config.Config
	logger     *logger.Logger
	store      *catalog.Store
	auth       *authn.Service
	policy     authz.Policy
	adapters   *adapter.Registry
	formats    *serializer.Registry
	validators *validation.Registry
	streams    *stream.Service
	health     *health.Checker
	metrics    *Metrics
	version    string

	state struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
}

// NewEngine validates the options and assembles an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine requires a config")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a catalog store")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("engine requires an authentication service")
	}
	if opts.Policy == nil {
		opts.Policy = authz.NewOpenPolicy()
	}
	if opts.Adapters == nil {
		opts.Adapters = adapter.GlobalRegistry()
	}
	if opts.Formats == nil {
		opts.Formats = serializer.Builtin()
	}
	if opts.Validators == nil {
		opts.Validators = validation.GlobalRegistry()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker()
	}
	opts.Validators.RejectUndeclared = opts.Config.Server.RejectUndeclaredSpecs

	e := &Engine{
		config:     opts.Config,
		logger:     opts.Logger,
		store:      opts.Store,
		auth:       opts.Auth,
		policy:     opts.Policy,
		adapters:   opts.Adapters,
		formats:    opts.Formats,
		validators: opts.Validators,
		streams:    opts.Streams,
		health:     opts.Health,
		metrics:    NewMetrics(),
		version:    opts.Version,
	}
	e.registerHealthChecks()
	return e, nil
}

func (e *Engine) registerHealthChecks() {
	e.health.Register("catalog", func() error {
		return e.store.DB().PingContext(context.Background())
	})
	e.health.Register("auth", func() error {
		return e.auth.DB().PingContext(context.Background())
	})
}

// Start marks the engine running.
func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()
	if e.state.isRunning {
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	if e.logger != nil {
		e.logger.Info("Engine started")
	}
	return nil
}

// Stop marks the engine stopped. In-flight operations finish on their own
// request contexts.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()
	if !e.state.isRunning {
		return nil
	}
	e.state.isRunning = false
	if e.logger != nil {
		e.logger.Info("Engine stopped")
	}
	return nil
}

// TrackOperation increments the in-flight operation counter.
func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
}

// UntrackOperation decrements the in-flight operation counter.
func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}

// OngoingOperations reports the number of requests currently being served.
func (e *Engine) OngoingOperations() int32 {
	return atomic.LoadInt32(&e.state.ongoingOperations)
}

// Metrics exposes the engine's Prometheus collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Health exposes the engine's health checker.
func (e *Engine) Health() *health.Checker {
	return e.health
}
