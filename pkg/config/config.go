// Package config loads the netcat CLI's configuration: connection mode,
// target endpoint, cache profile, and observability settings, following
// the teacher's yaml.v3-plus-env-override loading convention.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/reporting"
)

// Config is the full netcat run configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Cache      CacheConfig      `yaml:"cache"`
	Run        RunConfig        `yaml:"run"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ConnectionConfig describes how to reach the victim.
type ConnectionConfig struct {
	// Kind is "rdma" or "local".
	Kind string `yaml:"kind"`
	Addr string `yaml:"addr"`
	Port uint16 `yaml:"port"`
}

// CacheConfig selects the victim's cache geometry: either a predefined
// Profile, or Custom parameters when Profile == "custom".
type CacheConfig struct {
	Profile string             `yaml:"profile"`
	Custom  *cacheparams.Params `yaml:"custom,omitempty"`
}

// RunConfig controls how many rounds a tracking run measures and where
// records go.
type RunConfig struct {
	Measurements int    `yaml:"measurements"`
	Output       string `yaml:"output"` // empty means stdout
	Quiet        bool   `yaml:"quiet"`
}

// LoggingConfig mirrors reporting.LoggerConfig's YAML-facing fields.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the optional Prometheus exposition server.
type MetricsConfig struct {
	// Addr is empty to disable the metrics server entirely.
	Addr string `yaml:"addr"`
}

// DefaultConfig mirrors the CLI defaults from the external interface.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Kind: "rdma",
			Port: 9003,
		},
		Cache: CacheConfig{
			Profile: string(cacheparams.ProfileE5),
		},
		Run: RunConfig{
			Measurements: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path as YAML over DefaultConfig, falling back to defaults
// entirely if the file does not exist. Environment variables are expanded
// in the file content before parsing, and NETCAT_ADDR overrides the
// connection address afterward, taking priority over the file. The
// override applies only when the file exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = "netcat.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if addr := os.Getenv("NETCAT_ADDR"); addr != "" {
		cfg.Connection.Addr = addr
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration is complete enough to run.
func (c *Config) Validate() error {
	switch c.Connection.Kind {
	case "rdma", "local":
	default:
		return fmt.Errorf("config: connection.kind must be \"rdma\" or \"local\", got %q", c.Connection.Kind)
	}
	if c.Connection.Kind == "rdma" && c.Connection.Addr == "" {
		return fmt.Errorf("config: connection.addr is required for rdma connections")
	}
	if c.Run.Measurements < 1 {
		return fmt.Errorf("config: run.measurements must be at least 1")
	}

	if c.Cache.Profile == "custom" {
		if c.Cache.Custom == nil {
			return fmt.Errorf("config: cache.custom is required when cache.profile is \"custom\"")
		}
		if err := c.Cache.Custom.Validate(); err != nil {
			return fmt.Errorf("config: cache.custom: %w", err)
		}
	} else if _, err := cacheparams.Lookup(cacheparams.Profile(c.Cache.Profile)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CacheParams resolves the configured profile (or custom parameters) to a
// concrete cacheparams.Params.
func (c *Config) CacheParams() (cacheparams.Params, error) {
	if c.Cache.Profile == "custom" {
		if c.Cache.Custom == nil {
			return cacheparams.Params{}, fmt.Errorf("config: cache.custom is required when cache.profile is \"custom\"")
		}
		return *c.Cache.Custom, nil
	}
	return cacheparams.Lookup(cacheparams.Profile(c.Cache.Profile))
}

// LoggerConfig adapts this config's logging section to reporting.LoggerConfig.
func (c *Config) LoggerConfig() reporting.LoggerConfig {
	return reporting.LoggerConfig{
		Level:  reporting.LogLevel(c.Logging.Level),
		Format: reporting.LogFormat(c.Logging.Format),
		Output: os.Stderr,
		Quiet:  c.Run.Quiet,
	}
}

// Endpoint formats the connection endpoint as host:port.
func (c *ConnectionConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// MeasurementTimeout is a generous upper bound used by the CLI to size
// context deadlines for a full tracking run, scaling with the requested
// measurement count.
func (c *RunConfig) MeasurementTimeout() time.Duration {
	return time.Duration(c.Measurements) * 10 * time.Millisecond
}
