package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/pool"
)

func TestConfigureViperEnvOverrides(t *testing.T) {
	t.Setenv("KEYRELAY_GATEWAY_MAX_ATTEMPTS", "7")
	t.Setenv("KEYRELAY_UPSTREAM_PROVIDER", "openai")
	t.Setenv("KEYRELAY_SESSION_SECRET", "from-env")

	v := viper.New()
	configureViper(v, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Gateway.MaxAttempts)
	require.Equal(t, "openai", cfg.Upstream.Provider)
	require.Equal(t, "from-env", cfg.Session.Secret)
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  max_attempts: 9\n"), 0o600))

	v := viper.New()
	configureViper(v, path)
	used, err := readConfigFile(v, true)
	require.NoError(t, err)
	require.Equal(t, path, used)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Gateway.MaxAttempts)

	missing := viper.New()
	configureViper(missing, filepath.Join(dir, "missing.yaml"))
	_, err = readConfigFile(missing, true)
	require.Error(t, err)

	_, err = readConfigFile(missing, false)
	require.NoError(t, err)
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		arg     string
		want    int
		wantErr bool
	}{
		{arg: "1", want: 1},
		{arg: " 5 ", want: 5},
		{arg: "0", wantErr: true},
		{arg: "6", wantErr: true},
		{arg: "two", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseSlot(tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestQuotaQuery(t *testing.T) {
	require.Equal(t, "quota:LIC-1", quotaQuery(" LIC-1 ").Key)
	all := quotaQuery("")
	require.Empty(t, all.Key)
	require.False(t, all.All)
	require.Equal(t, "quota:", all.Prefix)
}

func TestRedactConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.AuthToken = "turso-token"
	cfg.Redis.Password = "hunter2"
	cfg.Session.Secret = "session-secret"
	cfg.Gateway.Models = []string{"m1"}

	out := redactConfig(cfg)
	require.Equal(t, redacted, out.Store.AuthToken)
	require.Equal(t, redacted, out.Redis.Password)
	require.Equal(t, "turso-token", cfg.Store.AuthToken)

	out.Gateway.Models[0] = "changed"
	require.Equal(t, "m1", cfg.Gateway.Models[0])
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{name: "config", err: gferrors.NewErrorEnvelope("CONFIG_INVALID", "bad"), want: foundry.ExitConfigInvalid},
		{name: "authority down", err: &gateway.Error{Code: gateway.CodeLicenseAPIUnavailable}, want: foundry.ExitExternalServiceUnavailable},
		{name: "exhausted", err: &gateway.Error{Code: gateway.CodeAllAttemptsExhausted}, want: foundry.ExitExternalServiceUnavailable},
		{name: "no credentials", err: &gateway.Error{Code: gateway.CodeNoCredentials}, want: foundry.ExitConfigInvalid},
		{name: "license", err: &gateway.Error{Code: gateway.CodeLicenseInvalid}, want: foundry.ExitFailure},
		{name: "missing file", err: os.ErrNotExist, want: foundry.ExitFileNotFound},
		{name: "deadline", err: context.DeadlineExceeded, want: foundry.ExitExternalServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: foundry.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestDescribeGatewayError(t *testing.T) {
	err := describeGatewayError(&gateway.Error{Code: gateway.CodeAdmissionThrottled, Message: "slow down", RetryAfter: 1500 * time.Millisecond})
	require.ErrorContains(t, err, "hint: try_later")
	require.ErrorContains(t, err, "retry after 1500ms")

	var gerr *gateway.Error
	require.True(t, errors.As(err, &gerr))

	plain := errors.New("plain")
	require.Same(t, plain, describeGatewayError(plain))
}

func TestMaskIdentifier(t *testing.T) {
	require.Equal(t, "LIC*****890", maskIdentifier("LIC-4567890"))
	require.Equal(t, "***", maskIdentifier("abc"))
}

func TestCredentialsSetCommand(t *testing.T) {
	t.Setenv("KEYRELAY_GATEWAY_POOL_BACKEND", "memory")
	t.Setenv("KEYRELAY_LICENSE_BINDING_BACKEND", "memory")
	t.Setenv("KEYRELAY_ADMISSION_QUOTA_ENABLED", "false")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader("sk-test-secret-1234\n"))
	rootCmd.SetArgs([]string{"credentials", "set", "2", "--license", "LIC-1", "--output-format", "json"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	var slots []pool.SlotStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &slots))
	require.Len(t, slots, pool.MaxSlots)
	require.Equal(t, pool.StateReady, slots[1].State)
	require.Equal(t, pool.StateEmpty, slots[0].State)
	require.NotContains(t, out.String(), "sk-test-secret-1234")
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	t.Cleanup(func() { SetVersionInfo("", "", "") })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "keyrelay 1.2.3\n", out.String())
}
