package config

import (
	"time"
)

// Config represents the complete application configuration.
// Values are layered as: built-in defaults, optional YAML file
// (~/.config/keyrelay/config.yaml or --config), then KEYRELAY_* env vars.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Admission AdmissionConfig `mapstructure:"admission" yaml:"admission"`
	License   LicenseConfig   `mapstructure:"license" yaml:"license"`
	Upstream  UpstreamConfig  `mapstructure:"upstream" yaml:"upstream"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=libsql"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// RedisConfig configures the shared Redis client. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// GatewayConfig holds the retry policy and credential pool settings.
type GatewayConfig struct {
	// PoolBackend is one of store, memory, redis.
	PoolBackend      string        `mapstructure:"pool_backend" yaml:"pool_backend" validate:"oneof=store memory redis"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1,max=50"`
	CooldownWindow   time.Duration `mapstructure:"cooldown_window" yaml:"cooldown_window" validate:"min=0"`
	Models           []string      `mapstructure:"models" yaml:"models" validate:"min=1,dive,required"`
	RetryEmptyResult bool          `mapstructure:"retry_empty_result" yaml:"retry_empty_result"`
	Backoff          BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
	Pacing           PacingConfig  `mapstructure:"pacing" yaml:"pacing"`
}

// BackoffConfig shapes the delay between transient retries.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier" validate:"min=1"`
}

// PacingConfig bounds the request rate sent through a single credential.
// A zero RequestsPerSecond disables pacing.
type PacingConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" yaml:"burst" validate:"min=0"`
}

// AdmissionConfig configures per-identity request admission.
type AdmissionConfig struct {
	Backend      string        `mapstructure:"backend" yaml:"backend" validate:"oneof=memory redis"`
	MinInterval  time.Duration `mapstructure:"min_interval" yaml:"min_interval" validate:"min=0"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	CleanupEvery time.Duration `mapstructure:"cleanup_every" yaml:"cleanup_every"`
	Quota        QuotaConfig   `mapstructure:"quota" yaml:"quota"`
}

// QuotaConfig is the optional per-license request budget.
type QuotaConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Requests int           `mapstructure:"requests" yaml:"requests" validate:"min=0"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// LicenseConfig points at the external license authority.
type LicenseConfig struct {
	AuthorityURL string        `mapstructure:"authority_url" yaml:"authority_url" validate:"omitempty,url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// BindingBackend is one of store, memory.
	BindingBackend string `mapstructure:"binding_backend" yaml:"binding_backend" validate:"oneof=store memory"`
}

// UpstreamConfig selects the generation provider.
type UpstreamConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider" validate:"oneof=gemini openai"`
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SessionConfig configures bearer session tokens.
type SessionConfig struct {
	Secret string        `mapstructure:"secret" yaml:"-"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Issuer string        `mapstructure:"issuer" yaml:"issuer"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}
