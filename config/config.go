// Package config loads and validates the canopy server configuration.
//
// Configuration is YAML with sensible defaults for every field, so an
// empty file (or no file at all) yields a runnable development setup.
// Secrets and deployment-specific paths can be overridden through the
// CANOPY_DB_PATH and CANOPY_LISTEN_ADDR environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/canopy/errors"
)

// Config is the root configuration for the canopy server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener shared by the operations API
// and the agent WebSocket endpoint.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
}

// DatabaseConfig configures the SQLite event store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig configures the rule engine tick loop.
type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DispatchConfig configures the output dispatcher.
type DispatchConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	// StartupSyncDelay is how long after startup the first
	// resynchronization sweep runs.
	StartupSyncDelay time.Duration `yaml:"startup_sync_delay"`
}

// GatewayConfig configures the agent WebSocket gateway.
type GatewayConfig struct {
	Path         string        `yaml:"path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MQTTConfig configures the optional MQTT telemetry bridge.
// The bridge is disabled when BrokerURL is empty.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	// DevicePrefix namespaces readings arriving over MQTT, mirroring the
	// prefix an API key would assign to a WebSocket agent.
	DevicePrefix string `yaml:"device_prefix"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
			EnableCORS:      false,
		},
		Database: DatabaseConfig{
			Path: "data/canopy.db",
		},
		Engine: EngineConfig{
			TickInterval: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			SyncInterval:     60 * time.Second,
			StartupSyncDelay: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			Path:         "/agent",
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "canopy-server",
			TopicPrefix: "canopy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, applies defaults for unset
// fields, applies environment overrides, and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapFatal(err, "Config", "Load", "parse YAML")
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANOPY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CANOPY_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"server.listen_addr must not be empty")
	}
	if c.Database.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"database.path must not be empty")
	}
	if c.Engine.TickInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("engine.tick_interval must be positive, got %v", c.Engine.TickInterval))
	}
	if c.Dispatch.SyncInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("dispatch.sync_interval must be positive, got %v", c.Dispatch.SyncInterval))
	}
	if c.Gateway.PingInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("gateway.ping_interval must be positive, got %v", c.Gateway.PingInterval))
	}
	if c.Gateway.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"gateway.path must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("logging.level must be debug|info|warn|error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("logging.format must be text|json, got %q", c.Logging.Format))
	}
	return nil
}

// MQTTEnabled reports whether the MQTT bridge should be started.
func (c Config) MQTTEnabled() bool {
	return c.MQTT.BrokerURL != ""
}
