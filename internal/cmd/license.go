package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/output"
)

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Check licenses and manage device bindings",
}

var licenseCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the license authority whether a device may use a license",
	Long: `Ask the license authority whether a device may use a license. An approved
first use binds the device in the local ledger, exactly as a request would.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identityFlags(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			authErr := a.gateway.Authorize(ctx, id)
			var gerr *gateway.Error
			if authErr != nil && !errors.As(authErr, &gerr) {
				return authErr
			}

			lines := []string{
				"License Check",
				"",
				"license: " + maskIdentifier(id.License),
				"device:  " + id.Device,
			}
			if gerr == nil {
				lines = append(lines, "result:  approved")
			} else {
				lines = append(lines, "result:  "+gerr.Code, "detail:  "+gerr.Message)
				if gerr.Reason != "" {
					lines = append(lines, "reason:  "+gerr.Reason)
				}
			}
			if err := emit(cmd, ascii.DrawBox(strings.Join(lines, "\n"), 0)); err != nil {
				return err
			}
			return authErr
		})
	},
}

var licenseUnbindCmd = &cobra.Command{
	Use:   "unbind",
	Short: "Forget the device bound to a license in the local ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lic, err := requiredString(cmd, "license")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			db, err := a.requireStore("license unbind")
			if err != nil {
				return err
			}
			removed, err := db.ClearBinding(ctx, lic)
			if err != nil {
				return err
			}
			if !removed {
				return emit(cmd, fmt.Sprintf("No binding stored for %s", maskIdentifier(lic)))
			}
			return emit(cmd, fmt.Sprintf("Removed binding for %s", maskIdentifier(lic)))
		})
	},
}

var licenseTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Check a license and print a session token for it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		id, err := identityFlags(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if strings.TrimSpace(a.cfg.Session.Secret) == "" {
				return errors.New("session.secret must be set to issue tokens the server will accept")
			}
			if err := a.gateway.Authorize(ctx, id); err != nil {
				return describeGatewayError(err)
			}
			token, expires, err := a.sessions.Issue(id.License, id.Device)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				rendered, err := output.JSON(map[string]any{"token": token, "expires_at": expires.Format(time.RFC3339)})
				if err != nil {
					return err
				}
				return emit(cmd, rendered)
			}
			return emit(cmd, token)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{licenseCheckCmd, licenseTokenCmd} {
		c.Flags().String("license", "", "License key (required)")
		c.Flags().String("device", "", "Device identifier (required)")
	}
	licenseUnbindCmd.Flags().String("license", "", "License key (required)")
	addOutputFlags(licenseTokenCmd)

	licenseCmd.AddCommand(licenseCheckCmd, licenseUnbindCmd, licenseTokenCmd)
	rootCmd.AddCommand(licenseCmd)
}

// maskIdentifier keeps the first and last characters of a license key.
func maskIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:3] + strings.Repeat("*", len(s)-6) + s[len(s)-3:]
}
