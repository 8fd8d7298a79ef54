package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/output"
	"github.com/keyrelay/keyrelay/internal/pool"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage the upstream credential pool of a license",
	Long: fmt.Sprintf(`Manage the upstream credential pool of a license.

Each license owns %d slots. Secrets are shown masked.`, pool.MaxSlots),
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show slot states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		owner, err := requiredString(cmd, "license")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return emitSlots(ctx, cmd, a, owner, format)
		})
	},
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <slot>",
	Short: "Store a secret in a slot",
	Long: `Store a secret in a slot. The slot becomes ready and any cooldown or flag
is cleared.

The secret is read from the environment variable named by --from-env, or
from the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		owner, err := requiredString(cmd, "license")
		if err != nil {
			return err
		}
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		secret, err := readSecret(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.gateway.SetCredential(ctx, owner, slot, secret); err != nil {
				return err
			}
			return emitSlots(ctx, cmd, a, owner, format)
		})
	},
}

var credentialsClearCmd = &cobra.Command{
	Use:   "clear <slot>",
	Short: "Remove the secret from a slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		owner, err := requiredString(cmd, "license")
		if err != nil {
			return err
		}
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.gateway.ClearCredential(ctx, owner, slot); err != nil {
				return err
			}
			return emitSlots(ctx, cmd, a, owner, format)
		})
	},
}

var credentialsProbeCmd = &cobra.Command{
	Use:   "probe <slot>",
	Short: "Send a minimal request with one slot's secret",
	Long: `Send a minimal request with one slot's secret against the primary model and
report how the upstream treated it. The slot state is not changed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		owner, err := requiredString(cmd, "license")
		if err != nil {
			return err
		}
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			result, err := a.gateway.Probe(ctx, owner, slot)
			if err != nil {
				return err
			}
			rendered, err := output.Probe(format, result)
			if err != nil {
				return err
			}
			return emit(cmd, rendered)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{credentialsListCmd, credentialsSetCmd, credentialsClearCmd, credentialsProbeCmd} {
		c.Flags().String("license", "", "License that owns the pool (required)")
		addOutputFlags(c)
		credentialsCmd.AddCommand(c)
	}
	credentialsSetCmd.Flags().String("from-env", "", "Read the secret from this environment variable")
	rootCmd.AddCommand(credentialsCmd)
}

func emitSlots(ctx context.Context, cmd *cobra.Command, a *app, owner string, format output.Format) error {
	slots, err := a.gateway.Credentials(ctx, owner)
	if err != nil {
		return err
	}
	rendered, err := output.Slots(format, slots, time.Now())
	if err != nil {
		return err
	}
	return emit(cmd, rendered)
}

func parseSlot(arg string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || id < 1 || id > pool.MaxSlots {
		return 0, fmt.Errorf("slot must be between 1 and %d", pool.MaxSlots)
	}
	return id, nil
}

func readSecret(cmd *cobra.Command) (string, error) {
	if name, _ := cmd.Flags().GetString("from-env"); strings.TrimSpace(name) != "" {
		secret := strings.TrimSpace(os.Getenv(name))
		if secret == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return secret, nil
	}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", pool.ErrEmptySecret
	}
	secret := strings.TrimSpace(scanner.Text())
	if secret == "" {
		return "", pool.ErrEmptySecret
	}
	return secret, nil
}
