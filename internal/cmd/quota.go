package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/admission"
	"github.com/keyrelay/keyrelay/internal/core/store"
	"github.com/keyrelay/keyrelay/internal/output"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and reset per-license request quotas",
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored quota windows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		lic, _ := cmd.Flags().GetString("license")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			db, err := a.requireStore("quota list")
			if err != nil {
				return err
			}
			entries, err := db.ListRateLimits(ctx, quotaQuery(lic))
			if err != nil {
				return err
			}
			rendered, err := output.Quotas(format, entries)
			if err != nil {
				return err
			}
			return emit(cmd, rendered)
		})
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset quota windows for one license or all licenses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lic, _ := cmd.Flags().GetString("license")
		all, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")
		switch {
		case strings.TrimSpace(lic) == "" && !all:
			return errors.New("pass --license or --all")
		case strings.TrimSpace(lic) != "" && all:
			return errors.New("--license and --all are mutually exclusive")
		case all && !yes:
			return errors.New("--all requires --yes")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			db, err := a.requireStore("quota reset")
			if err != nil {
				return err
			}
			deleted, err := db.ResetRateLimits(ctx, quotaQuery(lic))
			if err != nil {
				return err
			}
			return emit(cmd, fmt.Sprintf("Reset %d quota window(s)", deleted))
		})
	},
}

func init() {
	quotaListCmd.Flags().String("license", "", "Only this license")
	addOutputFlags(quotaListCmd)
	quotaResetCmd.Flags().String("license", "", "Reset this license")
	quotaResetCmd.Flags().Bool("all", false, "Reset every license")
	quotaResetCmd.Flags().Bool("yes", false, "Confirm --all")

	quotaCmd.AddCommand(quotaListCmd, quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}

// quotaQuery selects one license's window, or every quota row. Other rows in
// the rate limit table are never touched.
func quotaQuery(license string) store.RateLimitQuery {
	if lic := strings.TrimSpace(license); lic != "" {
		return store.RateLimitQuery{Key: admission.QuotaKey(lic)}
	}
	return store.RateLimitQuery{Prefix: admission.QuotaKeyPrefix}
}
