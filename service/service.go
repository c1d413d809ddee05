// Package service wires the components into a running server: storage,
// catalog, rule engine, dispatcher, gateway, optional MQTT bridge, and
// the HTTP API. Components start in dependency order and stop in
// reverse.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/canopy/api"
	"github.com/c360/canopy/catalog"
	"github.com/c360/canopy/component"
	"github.com/c360/canopy/config"
	"github.com/c360/canopy/dispatch"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/gateway"
	mqttbridge "github.com/c360/canopy/ingest/mqtt"
	"github.com/c360/canopy/metric"
	"github.com/c360/canopy/rule"
)

// Service owns every component of a running server.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	store    *eventstore.Store
	cat      *catalog.Catalog
	registry *metric.Registry

	// components in start order
	components []component.Component
	started    []component.Component
}

// New builds the full component graph from configuration. Nothing is
// started yet; Start runs the lifecycle.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	registry := metric.NewRegistry()

	store, err := eventstore.Open(cfg.Database.Path, logger, registry)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.Database.Path, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gw := gateway.NewGateway(cat, store, nil, gateway.Config{
		PingInterval: cfg.Gateway.PingInterval,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}, logger, registry)

	dispatcher := dispatch.NewDispatcher(store, cat, gw,
		cfg.Dispatch.SyncInterval, cfg.Dispatch.StartupSyncDelay, logger, registry)

	engine := rule.NewEngine(cat, cat, store, dispatcher,
		cfg.Engine.TickInterval, logger, registry)

	// The gateway needs the engine's trigger, and the engine needs the
	// dispatcher which needs the gateway. Triggering is the one
	// backwards edge, injected after construction.
	gw.SetTrigger(engine)

	server := api.NewServer(api.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		EnableCORS:      cfg.Server.EnableCORS,
		GatewayPath:     cfg.Gateway.Path,
	}, store, engine, gw.Handler(), registry, logger)

	components := []component.Component{gw, dispatcher, engine}

	if cfg.MQTTEnabled() {
		bridge := mqttbridge.NewBridge(mqttbridge.Config{
			BrokerURL:    cfg.MQTT.BrokerURL,
			ClientID:     cfg.MQTT.ClientID,
			TopicPrefix:  cfg.MQTT.TopicPrefix,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			DevicePrefix: cfg.MQTT.DevicePrefix,
		}, store, engine, logger, registry)
		components = append(components, bridge)
	}

	// /healthz aggregates every component that reports its own health.
	for _, c := range components {
		if src, ok := c.(api.HealthSource); ok {
			server.AddHealthSource(src)
		}
	}
	components = append(components, server)

	return &Service{
		cfg:        cfg,
		logger:     logger.With("component", "service"),
		store:      store,
		cat:        cat,
		registry:   registry,
		components: components,
	}, nil
}

// Start initializes and starts every component in order. On failure,
// already-started components are stopped in reverse before returning.
func (s *Service) Start(ctx context.Context) error {
	for _, c := range s.components {
		if err := c.Initialize(); err != nil {
			s.stopStarted()
			return errors.WrapFatal(err, "Service", "Start", "initialize "+c.Name())
		}
	}

	for _, c := range s.components {
		s.logger.Info("starting component", "name", c.Name())
		if err := c.Start(ctx); err != nil {
			s.stopStarted()
			return errors.WrapFatal(err, "Service", "Start", "start "+c.Name())
		}
		s.started = append(s.started, c)
	}

	s.logger.Info("service started", "addr", s.cfg.Server.ListenAddr)
	return nil
}

// Stop shuts everything down in reverse start order, then closes the
// stores.
func (s *Service) Stop() error {
	s.stopStarted()

	var firstErr error
	if err := s.cat.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("service stopped")
	return firstErr
}

func (s *Service) stopStarted() {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		s.logger.Info("stopping component", "name", c.Name())
		if err := c.Stop(timeout); err != nil {
			s.logger.Warn("component stop failed", "name", c.Name(), "error", err)
		}
	}
	s.started = nil
}
