package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(newViper(t))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.Equal(t, "localhost", cfg.Server.Host)
		require.Equal(t, 8080, cfg.Server.Port)
		require.Equal(t, 5, cfg.Gateway.MaxAttempts)
		require.Equal(t, time.Minute, cfg.Gateway.CooldownWindow)
		require.Equal(t, []string{"gemini-2.5-flash", "gemini-2.0-flash"}, cfg.Gateway.Models)
		require.False(t, cfg.Gateway.RetryEmptyResult)
		require.Equal(t, 2*time.Second, cfg.Admission.MinInterval)
		require.Equal(t, 30*time.Minute, cfg.Admission.IdleTTL)
		require.False(t, cfg.Admission.Quota.Enabled)
		require.Equal(t, 4, cfg.Admission.Quota.Requests)
		require.Equal(t, 8*time.Second, cfg.License.Timeout)
		require.Equal(t, 24*time.Hour, cfg.Session.TTL)
		require.Equal(t, "gemini", cfg.Upstream.Provider)
		require.True(t, strings.HasSuffix(cfg.Store.Path, "keyrelay.db"))

		require.Same(t, cfg, GetConfig())
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		v := newViper(t)
		v.SetEnvPrefix("KEYRELAY")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		t.Setenv("KEYRELAY_GATEWAY_MAX_ATTEMPTS", "3")
		t.Setenv("KEYRELAY_GATEWAY_MODELS", "model-a, model-b")
		t.Setenv("KEYRELAY_ADMISSION_MIN_INTERVAL", "500ms")

		cfg, err := Load(v)
		require.NoError(t, err)
		require.Equal(t, 3, cfg.Gateway.MaxAttempts)
		require.Equal(t, []string{"model-a", "model-b"}, cfg.Gateway.Models)
		require.Equal(t, 500*time.Millisecond, cfg.Admission.MinInterval)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  retry_empty_result: true
  cooldown_window: 90s
upstream:
  provider: OpenAI
  base_url: http://localhost:11434/v1
`), 0o600))

		v := newViper(t)
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := Load(v)
		require.NoError(t, err)
		require.True(t, cfg.Gateway.RetryEmptyResult)
		require.Equal(t, 90*time.Second, cfg.Gateway.CooldownWindow)
		require.Equal(t, "openai", cfg.Upstream.Provider)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		v := newViper(t)
		v.Set("gateway.max_attempts", 0)
		_, err := Load(v)
		require.Error(t, err)
		require.Contains(t, err.Error(), "max_attempts")

		v = newViper(t)
		v.Set("admission.backend", "etcd")
		_, err = Load(v)
		require.Error(t, err)

		v = newViper(t)
		v.Set("gateway.models", []string{" "})
		_, err = Load(v)
		require.Error(t, err)
	})
}
