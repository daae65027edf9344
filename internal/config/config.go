// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Store         StoreConfig         `yaml:"store"`
	Timeline      TimelineConfig      `yaml:"timeline"`
	Engine        EngineConfig        `yaml:"engine"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Tokens are verified
// against a JWKS endpoint, or against a shared HMAC secret read from the
// environment variable named by HMACSecretEnv.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// CatalogConfig describes where tenant catalogs come from and how they are
// cached.
type CatalogConfig struct {
	// Source is "file" or "postgres".
	Source      string   `yaml:"source"`
	Directories []string `yaml:"directories"`
	// HotReload rescans Directories every ReloadInterval and swaps the
	// registry when the checksum changes.
	HotReload      bool             `yaml:"hot_reload"`
	ReloadInterval time.Duration    `yaml:"reload_interval"`
	Cache          CacheConfig      `yaml:"cache"`
	Redis          RedisCacheConfig `yaml:"redis"`
}

// RedisCacheConfig describes the shared catalog cache.
type RedisCacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// StoreConfig describes deal persistence settings.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// TimelineConfig describes where stage change events are delivered.
type TimelineConfig struct {
	// Sinks lists any of "log", "redis", "postgres" and "memory".
	Sinks []string            `yaml:"sinks"`
	Redis TimelineRedisConfig `yaml:"redis"`
}

// TimelineRedisConfig describes the Redis pub/sub timeline sink.
type TimelineRedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
}

// EngineConfig describes deal state machine behaviour.
type EngineConfig struct {
	// ConflictRetries is how many times ExecuteMove and
	// UpdateCalculationInputs reload and retry after a version conflict.
	ConflictRetries int `yaml:"conflict_retries"`
	// GuardClosedDeals rejects moves out of won and lost stages.
	GuardClosedDeals bool `yaml:"guard_closed_deals"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	Evaluator        string      `yaml:"evaluator"`
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
	// ReloadInterval polls the policy file for changes. Zero disables it.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console
	// RedactFields names extra calculation input and action data keys
	// masked in debug output.
	RedactFields []string      `yaml:"redact_fields"`
	Tracing      TracingConfig `yaml:"tracing"`
	Metrics      MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"roles":      "roles",
			},
		},
		Catalog: CatalogConfig{
			Source:         "file",
			Directories:    []string{"/catalogs"},
			ReloadInterval: 30 * time.Second,
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 1000,
			},
			Redis: RedisCacheConfig{
				AddrEnv:   "DEALFLOW_REDIS_ADDR",
				KeyPrefix: "dealflow:catalog:",
				TTL:       10 * time.Minute,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "DEALFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Timeline: TimelineConfig{
			Sinks: []string{"log"},
			Redis: TimelineRedisConfig{
				AddrEnv: "DEALFLOW_REDIS_ADDR",
				Channel: "dealflow.timeline",
			},
		},
		Engine: EngineConfig{
			ConflictRetries: 2,
		},
		Capability: CapabilityConfig{
			Evaluator: "static",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load layers path over Defaults, then DEALFLOW_* environment variables
// over both, and validates the result. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

var (
	knownCatalogSources = []string{"file", "postgres"}
	knownStoreDrivers   = []string{"memory", "postgres"}
	knownTimelineSinks  = []string{"log", "redis", "postgres", "memory"}
	knownLogFormats     = []string{"", "json", "console"}
)

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port %d is out of range", c.Server.Port)
	}
	if !slices.Contains(knownLogFormats, c.Observability.LogFormat) {
		fail("observability.log_format %q is not json or console", c.Observability.LogFormat)
	}

	id := c.Identity
	if id.Issuer == "" {
		fail("identity.issuer is required")
	}
	if id.Audience == "" {
		fail("identity.audience is required")
	}
	if id.JWKSURL == "" && id.HMACSecretEnv == "" {
		fail("identity needs jwks_url or hmac_secret_env")
	}

	cat := c.Catalog
	if !slices.Contains(knownCatalogSources, cat.Source) {
		fail("catalog.source %q is not supported", cat.Source)
	}
	if cat.Source == "file" && len(cat.Directories) == 0 {
		fail("catalog.directories is required for the file source")
	}
	if cat.HotReload && cat.ReloadInterval <= 0 {
		fail("catalog.reload_interval must be positive with hot_reload")
	}

	postgres := c.Store.Driver == "postgres"
	if !slices.Contains(knownStoreDrivers, c.Store.Driver) {
		fail("store.driver %q is not supported", c.Store.Driver)
	}
	if cat.Source == "postgres" && !postgres {
		fail("catalog.source postgres requires store.driver postgres")
	}
	for _, sink := range c.Timeline.Sinks {
		switch {
		case !slices.Contains(knownTimelineSinks, sink):
			fail("timeline.sinks: unknown sink %q", sink)
		case sink == "postgres" && !postgres:
			fail("timeline sink postgres requires store.driver postgres")
		}
	}

	if c.Engine.ConflictRetries < 0 {
		fail("engine.conflict_retries must not be negative")
	}
	if c.Capability.ReloadInterval < 0 {
		fail("capability.reload_interval must not be negative")
	}
	return errors.Join(errs...)
}

// envOverrides maps DEALFLOW_* variables onto fields that commonly differ
// per deployment.
var envOverrides = map[string]func(*Config, string) error{
	"DEALFLOW_SERVER_PORT":                intField(func(c *Config) *int { return &c.Server.Port }),
	"DEALFLOW_IDENTITY_ISSUER":            stringField(func(c *Config) *string { return &c.Identity.Issuer }),
	"DEALFLOW_IDENTITY_JWKS_URL":          stringField(func(c *Config) *string { return &c.Identity.JWKSURL }),
	"DEALFLOW_IDENTITY_AUDIENCE":          stringField(func(c *Config) *string { return &c.Identity.Audience }),
	"DEALFLOW_CATALOG_SOURCE":             stringField(func(c *Config) *string { return &c.Catalog.Source }),
	"DEALFLOW_STORE_DRIVER":               stringField(func(c *Config) *string { return &c.Store.Driver }),
	"DEALFLOW_CAPABILITY_EVALUATOR":       stringField(func(c *Config) *string { return &c.Capability.Evaluator }),
	"DEALFLOW_CAPABILITY_RELOAD_INTERVAL": durationField(func(c *Config) *time.Duration { return &c.Capability.ReloadInterval }),
	"DEALFLOW_ENGINE_CONFLICT_RETRIES":    intField(func(c *Config) *int { return &c.Engine.ConflictRetries }),
	"DEALFLOW_OBSERVABILITY_LOG_LEVEL":    stringField(func(c *Config) *string { return &c.Observability.LogLevel }),
	"DEALFLOW_OBSERVABILITY_LOG_FORMAT":   stringField(func(c *Config) *string { return &c.Observability.LogFormat }),
	"DEALFLOW_OBSERVABILITY_REDACT_FIELDS": func(c *Config, v string) error {
		c.Observability.RedactFields = nil
		for f := range strings.SplitSeq(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				c.Observability.RedactFields = append(c.Observability.RedactFields, f)
			}
		}
		return nil
	},
}

func stringField(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func intField(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationField(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// applyEnv applies every override lookup finds a non-empty value for.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, key := range slices.Sorted(maps.Keys(envOverrides)) {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := envOverrides[key](cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
