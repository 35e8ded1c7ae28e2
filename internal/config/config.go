// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	SLA           SLAConfig           `yaml:"sla"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
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

// IdentityConfig describes how bearer tokens are verified.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	Algorithm  string            `yaml:"algorithm"`
	ClaimPaths map[string]string `yaml:"claim_paths"`

	// SecretEnv names the environment variable holding the HS256 secret.
	SecretEnv string `yaml:"secret_env"`

	// PublicKeyFile is the PEM encoded RS256 verification key.
	PublicKeyFile string `yaml:"public_key_file"`
}

// TemplatesConfig describes where to find template YAML files.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
}

// DirectoryConfig points at the role directory file.
type DirectoryConfig struct {
	File string `yaml:"file"`
}

// StoreConfig describes persistence of instances, approvals, SLA and history.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig describes the Redis connection shared by the idempotency store
// and the stream escalation sink.
type RedisConfig struct {
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// SLAConfig describes escalation levels past a deadline.
type SLAConfig struct {
	Levels []SLALevel `yaml:"levels"`
}

// SLALevel is one escalation threshold.
type SLALevel struct {
	After       time.Duration `yaml:"after"`
	NotifyRoles []string      `yaml:"notify_roles"`
}

// SchedulerConfig describes the sweep and escalation cadence.
type SchedulerConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	EscalationCron string        `yaml:"escalation_cron"`
	QueueSize      int           `yaml:"queue_size"`
}

// EscalationConfig describes where escalation events are delivered.
type EscalationConfig struct {
	Sinks           []string             `yaml:"sinks"`
	Webhook         WebhookConfig        `yaml:"webhook"`
	RedisStream     RedisStreamConfig    `yaml:"redis_stream"`
	QueueSize       int                  `yaml:"queue_size"`
	MaxTries        uint                 `yaml:"max_tries"`
	InitialInterval time.Duration        `yaml:"initial_interval"`
	DeliveryTimeout time.Duration        `yaml:"delivery_timeout"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// WebhookConfig describes the HTTP escalation sink.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RedisStreamConfig describes the Redis stream escalation sink.
type RedisStreamConfig struct {
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// CircuitBreakerConfig describes the breaker in front of the escalation sink.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	// AlwaysSample lists span name prefixes sampled regardless of
	// SamplingRate.
	AlwaysSample []string `yaml:"always_sample"`
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
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			Algorithm: "RS256",
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
		},
		Directory: DirectoryConfig{
			File: "/etc/wardflow/directory.yaml",
		},
		Store: StoreConfig{
			Driver:          "postgres",
			DSNEnv:          "WARDFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv: "WARDFLOW_REDIS_ADDR",
		},
		Scheduler: SchedulerConfig{
			SweepInterval:  time.Minute,
			EscalationCron: "*/5 * * * *",
			QueueSize:      64,
		},
		Escalation: EscalationConfig{
			Sinks:           []string{"log"},
			QueueSize:       256,
			MaxTries:        5,
			InitialInterval: 200 * time.Millisecond,
			DeliveryTimeout: 10 * time.Second,
			RedisStream: RedisStreamConfig{
				Stream: "wardflow:escalations",
				MaxLen: 10000,
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
				AlwaysSample: []string{"workflow.decide", "escalation."},
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var (
	storeDrivers       = []string{"memory", "postgres"}
	idempotencyDrivers = []string{"memory", "redis"}
	escalationSinks    = []string{"log", "webhook", "redis_stream"}
	logFormats         = []string{"json", "console"}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	switch c.Identity.Algorithm {
	case "HS256":
		if c.Identity.SecretEnv == "" {
			errs = append(errs, "identity.secret_env is required for HS256")
		}
	case "RS256":
		if c.Identity.PublicKeyFile == "" {
			errs = append(errs, "identity.public_key_file is required for RS256")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.algorithm %q must be HS256 or RS256", c.Identity.Algorithm))
	}
	if len(c.Templates.Directories) == 0 {
		errs = append(errs, "templates.directories must not be empty")
	}
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of %v", c.Store.Driver, storeDrivers))
	}
	if !slices.Contains(idempotencyDrivers, c.Idempotency.Driver) {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be one of %v", c.Idempotency.Driver, idempotencyDrivers))
	}
	for _, sink := range c.Escalation.Sinks {
		if !slices.Contains(escalationSinks, sink) {
			errs = append(errs, fmt.Sprintf("escalation.sinks: unknown sink %q", sink))
		}
		if sink == "webhook" && c.Escalation.Webhook.URL == "" {
			errs = append(errs, "escalation.webhook.url is required for the webhook sink")
		}
	}
	if !slices.Contains(logFormats, c.Observability.LogFormat) {
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be one of %v", c.Observability.LogFormat, logFormats))
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, "scheduler.sweep_interval must be positive")
	}
	for i, l := range c.SLA.Levels {
		if l.After <= 0 {
			errs = append(errs, fmt.Sprintf("sla.levels[%d].after must be positive", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WARDFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WARDFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("WARDFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("WARDFLOW_IDENTITY_ALGORITHM"); v != "" {
		cfg.Identity.Algorithm = v
	}
	if v := os.Getenv("WARDFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("WARDFLOW_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("WARDFLOW_TEMPLATES_DIRS"); v != "" {
		cfg.Templates.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("WARDFLOW_DIRECTORY_FILE"); v != "" {
		cfg.Directory.File = v
	}
	if v := os.Getenv("WARDFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("WARDFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
