// Package api serves the read-only operations HTTP surface: windowed
// readings queries, current output values, rule statuses, health, and
// Prometheus metrics. The agent WebSocket endpoint is mounted on the
// same listener.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/c360/canopy/component"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/metric"
	"github.com/c360/canopy/rule"
)

var _ component.Component = (*Server)(nil)

// ReadingsStore is the event store surface the API needs.
// *eventstore.Store satisfies it.
type ReadingsStore interface {
	QuerySensors(selectors []eventstore.Selector, since, until int64) (map[string][]eventstore.Point, error)
	QueryOutputs(channels []string, since, until int64) (map[string][]eventstore.Point, error)
	CurrentOutputValues() (map[string]float64, error)
}

// RuleStatusSource exposes the engine's last run. *rule.Engine satisfies it.
type RuleStatusSource interface {
	ActiveRuleIDs() []int64
	RuleStatuses() map[int64]*rule.RuleStatus
}

// HealthSource is a named component reporting its own health, aggregated
// by the /healthz endpoint.
type HealthSource interface {
	Name() string
	Health() component.HealthStatus
}

// Config holds API server settings.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
	EnableCORS      bool
	// GatewayPath is where the agent WebSocket handler is mounted.
	GatewayPath string
}

// Server is the HTTP listener component.
type Server struct {
	config  Config
	store   ReadingsStore
	rules   RuleStatusSource
	gateway http.Handler
	metrics http.Handler
	health  []HealthSource
	logger  *slog.Logger

	httpServer *http.Server

	started     atomic.Bool
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup
}

// NewServer creates the API server. gatewayHandler may be nil when the
// agent endpoint is not mounted (tests); registry may be nil to disable
// the /metrics endpoint.
func NewServer(
	config Config,
	store ReadingsStore,
	rules RuleStatusSource,
	gatewayHandler http.Handler,
	registry *metric.Registry,
	logger *slog.Logger,
) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.GatewayPath == "" {
		config.GatewayPath = "/agent"
	}

	s := &Server{
		config:  config,
		store:   store,
		rules:   rules,
		gateway: gatewayHandler,
		logger:  logger.With("component", "api"),
	}
	if registry != nil {
		s.metrics = registry.Handler()
	}
	return s
}

// AddHealthSource registers a component with the /healthz aggregation.
// Must be called before Start.
func (s *Server) AddHealthSource(src HealthSource) {
	s.health = append(s.health, src)
}

// Name implements component.Component.
func (s *Server) Name() string { return "api" }

// Initialize builds the router.
func (s *Server) Initialize() error {
	router := mux.NewRouter()

	router.HandleFunc("/api/readings", s.handleReadings).Methods(http.MethodGet)
	router.HandleFunc("/api/outputs/values", s.handleOutputValues).Methods(http.MethodGet)
	router.HandleFunc("/api/rules/status", s.handleRuleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.gateway != nil {
		router.Handle(s.config.GatewayPath, s.gateway)
	}

	var handler http.Handler = router
	if s.config.EnableCORS {
		handler = handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(handler)
	}
	handler = handlers.RecoveryHandler(
		handlers.PrintRecoveryStack(true),
	)(handler)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start begins serving. The listener error surfaces through logs; a
// failed bind is detected on the first request, matching the component
// model where Start must not block.
func (s *Server) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check started state")
	}
	if s.httpServer == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "Server", "Start", "Initialize not called")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("listening", "addr", s.config.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server stopped", "error", err)
		}
	}()

	s.started.Store(true)
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v: %w", timeout, err),
			"Server", "Stop", "drain connections")
	}
	s.wg.Wait()
	s.started.Store(false)
	return nil
}

// Handler exposes the built router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
