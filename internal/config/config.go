// Package config provides configuration for the tailroute router and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/pkg/types"
	"gopkg.in/yaml.v3"
)

// Driver names the store backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds the configuration of a tailroute process.
type Config struct {
	// Store is the database holding the partition tables
	Store StoreConfig `json:"store" yaml:"store"`

	// Entities lists the partitioned entities to route
	Entities []types.Entity `json:"entities" yaml:"entities"`

	// Routing configuration shared by all entities
	Routing RoutingConfig `json:"routing" yaml:"routing"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// StoreConfig holds database configuration.
type StoreConfig struct {
	// Driver is the store type: sqlite, postgres
	Driver Driver `json:"driver" yaml:"driver"`

	// DSN is the data source name passed to the driver
	DSN string `json:"dsn" yaml:"dsn"`

	// Schema is the default catalog schema for entities that do not set one
	Schema string `json:"schema" yaml:"schema"`
}

// RoutingConfig holds router and provisioner configuration.
type RoutingConfig struct {
	// LockMode scopes the provisioning lock: entity, tail
	LockMode string `json:"lock_mode" yaml:"lock_mode"`

	// LockStripes is the number of lock stripes in tail mode
	LockStripes int `json:"lock_stripes" yaml:"lock_stripes"`

	// FailurePolicy decides how failed table creation affects the registry: strict, optimistic
	FailurePolicy string `json:"failure_policy" yaml:"failure_policy"`

	// ProvisionTimeout bounds a single table creation
	ProvisionTimeout time.Duration `json:"provision_timeout" yaml:"provision_timeout"`

	// MaxProvisionAttempts is the number of consecutive failures before a tail is quarantined
	MaxProvisionAttempts int `json:"max_provision_attempts" yaml:"max_provision_attempts"`

	// RetryBackoff is how long a quarantined tail skips table creation
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// DegradedStart lets routers start empty when the catalog cannot be read
	DegradedStart bool `json:"degraded_start" yaml:"degraded_start"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is a logrus level name
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "./data/tailroute.db",
		},
		Routing: RoutingConfig{
			LockMode:             "entity",
			LockStripes:          32,
			FailurePolicy:        "strict",
			ProvisionTimeout:     30 * time.Second,
			MaxProvisionAttempts: 3,
			RetryBackoff:         time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tailroute",
		},
	}
}

// Resolve fills entity defaults and the store default schema.
func (c *Config) Resolve() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	c.Store.Driver = Driver(strings.ToLower(string(c.Store.Driver)))

	for i := range c.Entities {
		if c.Entities[i].Schema == "" {
			c.Entities[i].Schema = c.Store.Schema
		}
		c.Entities[i] = c.Entities[i].WithDefaults()
	}
}

// Entity returns the configured entity with the given name.
func (c *Config) Entity(name string) (types.Entity, bool) {
	for _, e := range c.Entities {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return types.Entity{}, false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return tailerrors.NewConfigError(
			fmt.Sprintf("invalid store driver: %s (must be sqlite or postgres)", c.Store.Driver), nil)
	}

	if c.Store.DSN == "" {
		return tailerrors.NewConfigError("store.dsn is required", nil)
	}

	if len(c.Entities) == 0 {
		return tailerrors.NewConfigError("at least one entity is required", nil)
	}

	seen := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if err := e.WithDefaults().Validate(); err != nil {
			return tailerrors.NewConfigError("invalid entity", err)
		}
		key := strings.ToLower(e.Name)
		if seen[key] {
			return tailerrors.NewConfigError(fmt.Sprintf("duplicate entity: %s", e.Name), nil)
		}
		seen[key] = true
	}

	switch c.Routing.LockMode {
	case "", "entity", "tail":
	default:
		return tailerrors.NewConfigError(
			fmt.Sprintf("invalid routing.lock_mode: %s (must be entity or tail)", c.Routing.LockMode), nil)
	}

	switch c.Routing.FailurePolicy {
	case "", "strict", "optimistic":
	default:
		return tailerrors.NewConfigError(
			fmt.Sprintf("invalid routing.failure_policy: %s (must be strict or optimistic)", c.Routing.FailurePolicy), nil)
	}

	if c.Routing.ProvisionTimeout < 0 {
		return tailerrors.NewConfigError("routing.provision_timeout must not be negative", nil)
	}
	if c.Routing.MaxProvisionAttempts < 0 {
		return tailerrors.NewConfigError(
			fmt.Sprintf("routing.max_provision_attempts must not be negative, got %d", c.Routing.MaxProvisionAttempts), nil)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return tailerrors.NewConfigError(fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format), nil)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TAILROUTE_ prefix.
func LoadFromEnv(cfg *Config) {
	// Store configuration
	if v := os.Getenv("TAILROUTE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = Driver(v)
	}
	if v := os.Getenv("TAILROUTE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("TAILROUTE_STORE_SCHEMA"); v != "" {
		cfg.Store.Schema = v
	}

	// Comma separated entity names; entities already configured keep their settings.
	if v := os.Getenv("TAILROUTE_ENTITIES"); v != "" {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := cfg.Entity(name); !ok {
				cfg.Entities = append(cfg.Entities, types.NewEntity(name))
			}
		}
	}

	// Routing configuration
	if v := os.Getenv("TAILROUTE_ROUTING_LOCK_MODE"); v != "" {
		cfg.Routing.LockMode = v
	}
	if v := os.Getenv("TAILROUTE_ROUTING_LOCK_STRIPES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Routing.LockStripes = n
		}
	}
	if v := os.Getenv("TAILROUTE_ROUTING_FAILURE_POLICY"); v != "" {
		cfg.Routing.FailurePolicy = v
	}
	if v := os.Getenv("TAILROUTE_ROUTING_PROVISION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.ProvisionTimeout = d
		}
	}
	if v := os.Getenv("TAILROUTE_ROUTING_MAX_PROVISION_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Routing.MaxProvisionAttempts = n
		}
	}
	if v := os.Getenv("TAILROUTE_ROUTING_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.RetryBackoff = d
		}
	}
	if v := os.Getenv("TAILROUTE_ROUTING_DEGRADED_START"); v != "" {
		cfg.Routing.DegradedStart = v == "true" || v == "1"
	}

	// Log configuration
	if v := os.Getenv("TAILROUTE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TAILROUTE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("TAILROUTE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TAILROUTE_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
}

// EnsureDirectories creates the directory of a file-backed SQLite store.
func (c *Config) EnsureDirectories() error {
	if c.Store.Driver != DriverSQLite {
		return nil
	}
	path := strings.TrimPrefix(c.Store.DSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
