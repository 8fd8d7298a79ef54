package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/appid"
	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/observability"
)

type checkStatus int

const (
	checkPass checkStatus = iota
	checkWarn
	checkFail
)

type doctorCheck struct {
	name   string
	status checkStatus
	detail string
}

var errDoctorFailed = errors.New("one or more diagnostic checks failed")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Check the configuration and every backend it selects, and suggest fixes for common issues.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger := observability.CLILogger
		logger.Info("=== " + appid.BinaryName + " doctor ===")

		checks := runDoctor(ctx, cmd)
		failed := false
		for i, c := range checks {
			prefix := fmt.Sprintf("[%d/%d] %s...", i+1, len(checks), c.name)
			switch c.status {
			case checkPass:
				logger.Info(prefix+" ✅ "+c.detail, zap.String("check", c.name))
			case checkWarn:
				logger.Warn(prefix+" ⚠️  "+c.detail, zap.String("check", c.name))
			default:
				failed = true
				logger.Error(prefix+" ❌ "+c.detail, zap.String("check", c.name))
			}
		}

		if failed {
			logger.Warn("Some checks failed. Review the output above for details.")
			return errDoctorFailed
		}
		logger.Info("All checks passed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(ctx context.Context, cmd *cobra.Command) []doctorCheck {
	checks := []doctorCheck{
		{name: "Checking Go version", status: checkPass, detail: runtime.Version()},
	}

	if path := config.DefaultConfigPath(); path == "" {
		checks = append(checks, doctorCheck{name: "Checking config directory", status: checkWarn, detail: "cannot resolve config directory"})
	} else {
		checks = append(checks, doctorCheck{name: "Checking config directory", status: checkPass, detail: filepath.Dir(path)})
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return append(checks, doctorCheck{name: "Loading config", status: checkFail, detail: err.Error()})
	}
	checks = append(checks, doctorCheck{name: "Loading config", status: checkPass, detail: "valid"})
	checks = append(checks, configChecks(cfg)...)

	a, err := newApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return append(checks, doctorCheck{name: "Opening backends", status: checkFail, detail: err.Error()})
	}
	defer a.Close() //nolint:errcheck

	results := a.ping(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := doctorCheck{name: "Reaching " + name, status: checkPass, detail: "ok"}
		if perr := results[name]; perr != nil {
			c.status, c.detail = checkFail, perr.Error()
		}
		checks = append(checks, c)
	}
	return checks
}

func configChecks(cfg *config.Config) []doctorCheck {
	var checks []doctorCheck

	authority := doctorCheck{name: "Checking license authority", status: checkPass, detail: cfg.License.AuthorityURL}
	if strings.TrimSpace(cfg.License.AuthorityURL) == "" {
		authority.status, authority.detail = checkFail, "license.authority_url is not set; every request will fail"
	}
	checks = append(checks, authority)

	secret := doctorCheck{name: "Checking session secret", status: checkPass, detail: "configured"}
	if strings.TrimSpace(cfg.Session.Secret) == "" {
		secret.status, secret.detail = checkWarn, "not set; set "+appid.Get().EnvVar("SESSION_SECRET")+" so tokens survive restarts"
	}
	checks = append(checks, secret)

	checks = append(checks, doctorCheck{
		name:   "Checking upstream",
		status: checkPass,
		detail: fmt.Sprintf("%s, models %s", cfg.Upstream.Provider, strings.Join(cfg.Gateway.Models, " → ")),
	})

	if cfg.Gateway.PoolBackend == "memory" {
		checks = append(checks, doctorCheck{name: "Checking pool backend", status: checkWarn, detail: "memory; credentials are lost on restart"})
	} else {
		checks = append(checks, doctorCheck{name: "Checking pool backend", status: checkPass, detail: cfg.Gateway.PoolBackend})
	}
	return checks
}
