package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/pool"
)

func memoryConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("gateway.pool_backend", "memory")
	v.Set("license.binding_backend", "memory")
	v.Set("admission.backend", "memory")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestNewAppMemoryBackends(t *testing.T) {
	cfg := memoryConfig(t, map[string]any{"session.secret": "0123456789abcdef0123456789abcdef"})
	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	require.Nil(t, a.store)
	require.Nil(t, a.redis)
	require.NotNil(t, a.limiter)
	require.NotNil(t, a.sessions)
	require.Empty(t, a.ping(context.Background()))

	_, err = a.requireStore("quota list")
	require.ErrorContains(t, err, "quota list requires the database store")

	ctx := context.Background()
	require.NoError(t, a.gateway.SetCredential(ctx, "LIC-1", 3, "sk-abcdefghijkl"))
	slots, err := a.gateway.Credentials(ctx, "LIC-1")
	require.NoError(t, err)
	require.Len(t, slots, pool.MaxSlots)
	require.Equal(t, pool.StateReady, slots[2].State)
	require.NotContains(t, slots[2].Secret, "abcdefghijkl")
}

func TestNewAppRequiresRedisAddr(t *testing.T) {
	cfg := memoryConfig(t, map[string]any{"admission.backend": "redis"})
	_, err := newApp(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "redis.addr is required")
}

func TestNewAppRandomSessionSecret(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	token, _, err := a.sessions.Issue("LIC-1", "dev-1")
	require.NoError(t, err)
	claims, err := a.sessions.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "LIC-1", claims.License)
}

func TestBackendSelection(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		store     bool
		redis     bool
	}{
		{name: "defaults", overrides: map[string]any{"gateway.pool_backend": "store", "license.binding_backend": "store"}, store: true},
		{name: "all memory", store: false},
		{name: "quota needs store", overrides: map[string]any{"admission.quota.enabled": true}, store: true},
		{name: "redis pool", overrides: map[string]any{"gateway.pool_backend": "redis"}, redis: true},
		{name: "redis admission", overrides: map[string]any{"admission.backend": "redis"}, redis: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig(t, tt.overrides)
			require.Equal(t, tt.store, needsStore(cfg))
			require.Equal(t, tt.redis, needsRedis(cfg))
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := memoryConfig(t, map[string]any{
		"gateway.models":             "gemini-2.5-pro, gemini-2.5-flash",
		"gateway.max_attempts":       3,
		"gateway.cooldown_window":    "90s",
		"gateway.retry_empty_result": true,
	})
	p := policyFromConfig(cfg.Gateway)
	require.Equal(t, []string{"gemini-2.5-pro", "gemini-2.5-flash"}, p.Models)
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 90*time.Second, p.CooldownWindow)
	require.Equal(t, 800*time.Millisecond, p.Backoff.Initial)
	require.Equal(t, gateway.StatusClassifier{RetryEmptyResult: true}, p.Classifier)
}

func TestRedisKey(t *testing.T) {
	require.Equal(t, "keyrelay:pool", redisKey("keyrelay", "pool"))
	require.Equal(t, "app:pool", redisKey(" app: ", "pool"))
	require.Equal(t, "pool", redisKey("", "pool"))
}
