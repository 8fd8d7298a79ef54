// Package config provides centralized configuration management for keyrelay.
// Defaults are registered on a viper instance, overlaid with an optional
// YAML file and KEYRELAY_* environment variables, then decoded into Config.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/keyrelay/keyrelay/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", appid.ConfigName)

	// Gateway defaults
	v.SetDefault("gateway.pool_backend", "store")
	v.SetDefault("gateway.max_attempts", 5)
	v.SetDefault("gateway.cooldown_window", "60s")
	v.SetDefault("gateway.models", []string{"gemini-2.5-flash", "gemini-2.0-flash"})
	v.SetDefault("gateway.retry_empty_result", false)
	v.SetDefault("gateway.backoff.initial", "800ms")
	v.SetDefault("gateway.backoff.max", "8s")
	v.SetDefault("gateway.backoff.multiplier", 2.0)
	v.SetDefault("gateway.pacing.requests_per_second", 1.0)
	v.SetDefault("gateway.pacing.burst", 1)

	// Admission defaults
	v.SetDefault("admission.backend", "memory")
	v.SetDefault("admission.min_interval", "2s")
	v.SetDefault("admission.idle_ttl", "30m")
	v.SetDefault("admission.cleanup_every", "2m")
	v.SetDefault("admission.quota.enabled", false)
	v.SetDefault("admission.quota.requests", 4)
	v.SetDefault("admission.quota.window", "24h")

	// License defaults
	v.SetDefault("license.authority_url", "")
	v.SetDefault("license.timeout", "8s")
	v.SetDefault("license.binding_backend", "store")

	// Upstream defaults
	v.SetDefault("upstream.provider", "gemini")
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", "60s")

	// Session defaults
	v.SetDefault("session.secret", "")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.issuer", appid.BinaryName)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// Load decodes and validates the configuration held by v. The result is
// also stored for GetConfig.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToFloat64HookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate checks field constraints declared on the config structs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q constraint", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	models := make([]string, 0, len(cfg.Gateway.Models))
	for _, model := range cfg.Gateway.Models {
		if model = strings.TrimSpace(model); model != "" {
			models = append(models, model)
		}
	}
	cfg.Gateway.Models = models

	cfg.Gateway.PoolBackend = strings.ToLower(strings.TrimSpace(cfg.Gateway.PoolBackend))
	cfg.Admission.Backend = strings.ToLower(strings.TrimSpace(cfg.Admission.Backend))
	cfg.License.BindingBackend = strings.ToLower(strings.TrimSpace(cfg.License.BindingBackend))
	cfg.Upstream.Provider = strings.ToLower(strings.TrimSpace(cfg.Upstream.Provider))
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(appid.ConfigName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := DefaultConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(appid.ConfigName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + appid.BinaryName + ".db"
	}
	return filepath.Join(dataDir, appid.BinaryName+".db")
}
