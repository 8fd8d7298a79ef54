package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/observability"
)

// withApp wires the configured backends for one command run.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // best-effort cleanup
	return fn(ctx, a)
}

// requiredString returns a trimmed flag value or an error naming the flag.
func requiredString(cmd *cobra.Command, name string) (string, error) {
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", err
	}
	if value = strings.TrimSpace(value); value == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return value, nil
}
