// Package config loads the agent and CLI configuration.
//
// Precedence, lowest to highest: defaults, config file, environment
// (including .env.local and .env in the working directory), runtime
// overrides.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"

	"github.com/3leaps/parsekit/pkg/archive"
	"github.com/3leaps/parsekit/pkg/localdb"
	"github.com/3leaps/parsekit/pkg/poller"
	"github.com/3leaps/parsekit/pkg/retention"
	"github.com/3leaps/parsekit/pkg/transport"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Retention RetentionConfig `mapstructure:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig configures the local status server.
type ServerConfig struct {
	// Enabled starts the status server with the agent.
	// Default: true
	Enabled bool `mapstructure:"enabled"`

	// Default: localhost
	Host string `mapstructure:"host" validate:"required"`

	// Default: 8080
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	// Default: info
	Level string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// Profile is "structured" (JSON) or "console".
	// Default: structured
	Profile string `mapstructure:"profile" validate:"oneof=structured console STRUCTURED CONSOLE"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	// Default: true
	Enabled bool `mapstructure:"enabled"`
}

// HealthConfig toggles store and poller health checks.
type HealthConfig struct {
	// Default: true
	Enabled bool `mapstructure:"enabled"`
}

// StoreConfig selects the job database. An empty Path and URL means
// <data_dir>/jobs.db.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RemoteConfig configures the processing service. BaseURL and the public
// key are read again on every use, so edits to the config file apply
// without a restart.
type RemoteConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	PublicKey     string `mapstructure:"public_key"`
	PublicKeyPath string `mapstructure:"public_key_path"`

	// Default: /process
	EndpointPath string `mapstructure:"endpoint_path" validate:"required"`

	// Default: 60s
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// Default: 64MiB
	MaxResponseBytes int64 `mapstructure:"max_response_bytes" validate:"min=0"`
}

// PollerConfig configures the polling engine.
type PollerConfig struct {
	// Default: true
	Enabled bool `mapstructure:"enabled"`

	// Default: 30s
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// Default: 2m
	Backoff time.Duration `mapstructure:"backoff" validate:"min=0"`

	// Default: 500ms
	JobDelay time.Duration `mapstructure:"job_delay" validate:"min=0"`
}

// RetentionConfig configures the retention sweeper.
type RetentionConfig struct {
	// Default: true
	Enabled bool `mapstructure:"enabled"`

	// Default: 168h
	MaxAge time.Duration `mapstructure:"max_age" validate:"min=0"`

	// Default: 1h
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// Default: 30s
	Jitter time.Duration `mapstructure:"jitter" validate:"min=0"`
}

// ArchiveConfig enables archive-before-purge.
type ArchiveConfig struct {
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	archive.Config `mapstructure:",squash"`
}

// LocalDB returns the store database config, resolving the default path
// under DataDir.
func (c *Config) LocalDB() localdb.Config {
	cfg := localdb.Config{Path: c.Store.Path, URL: c.Store.URL, AuthToken: c.Store.AuthToken}
	if cfg.Path == "" && cfg.URL == "" {
		cfg.Path = filepath.Join(c.DataDir, "jobs.db")
	}
	return cfg
}

// TransportConfig returns the transport settings.
func (c *Config) TransportConfig(userAgent string) transport.Config {
	return transport.Config{
		EndpointPath:     c.Remote.EndpointPath,
		Timeout:          c.Remote.Timeout,
		MaxResponseBytes: c.Remote.MaxResponseBytes,
		UserAgent:        userAgent,
	}
}

// EngineConfig returns the engine pacing settings.
func (c *Config) EngineConfig() poller.Config {
	return poller.Config{
		Interval: c.Poller.Interval,
		Backoff:  c.Poller.Backoff,
		JobDelay: c.Poller.JobDelay,
	}
}

// SweeperConfig returns the sweeper settings.
func (c *Config) SweeperConfig() retention.Config {
	return retention.Config{
		MaxAge:   c.Retention.MaxAge,
		Interval: c.Retention.Interval,
		Jitter:   c.Retention.Jitter,
	}
}

// DefaultDataDir returns the platform data directory for parsekit
// ($XDG_DATA_HOME/parsekit on Linux).
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(DefaultIdentity.ConfigName)
}

// ValidationError reports a config value that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}
