package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/admission"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/output"
)

const maxPromptFileBytes = 1 << 20

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Run one generation through the credential pool",
	Long: `Run one generation for a license/device pair, exactly as POST /v1/generate
would: admission, license check, credential rotation and model fallback.

The prompt comes from the argument, --prompt-file, or stdin when the argument is "-".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("license", "", "License key (required)")
	generateCmd.Flags().String("device", "", "Device identifier (required)")
	generateCmd.Flags().String("model", "", "Preferred model (falls back through gateway.models)")
	generateCmd.Flags().String("system", "", "System instruction")
	generateCmd.Flags().StringP("prompt-file", "f", "", "Read the prompt from a file")
	generateCmd.Flags().Float64("temperature", -1, "Sampling temperature (0-2)")
	generateCmd.Flags().Int("max-tokens", 0, "Maximum output tokens")
	addOutputFlags(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	id, err := identityFlags(cmd)
	if err != nil {
		return err
	}
	req, err := generationRequest(cmd, args)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.gateway.Generate(ctx, id, req)
		if err != nil {
			return describeGatewayError(err)
		}
		rendered, err := output.Generation(format, result)
		if err != nil {
			return err
		}
		return emit(cmd, rendered)
	})
}

func identityFlags(cmd *cobra.Command) (admission.Identity, error) {
	lic, err := requiredString(cmd, "license")
	if err != nil {
		return admission.Identity{}, err
	}
	device, err := requiredString(cmd, "device")
	if err != nil {
		return admission.Identity{}, err
	}
	return admission.Identity{License: lic, Device: device}, nil
}

func generationRequest(cmd *cobra.Command, args []string) (gateway.GenerationRequest, error) {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return gateway.GenerationRequest{}, err
	}
	req := gateway.GenerationRequest{Prompt: prompt}
	req.Model, _ = cmd.Flags().GetString("model")
	req.System, _ = cmd.Flags().GetString("system")
	if cmd.Flags().Changed("temperature") {
		t, _ := cmd.Flags().GetFloat64("temperature")
		req.Temperature = &t
	}
	if cmd.Flags().Changed("max-tokens") {
		n, _ := cmd.Flags().GetInt("max-tokens")
		req.MaxTokens = &n
	}
	return req, req.Validate()
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	file, _ := cmd.Flags().GetString("prompt-file")
	switch {
	case strings.TrimSpace(file) != "" && len(args) > 0:
		return "", errors.New("pass the prompt as an argument or --prompt-file, not both")
	case strings.TrimSpace(file) != "":
		f, err := os.Open(file)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		return readLimited(f)
	case len(args) == 1 && args[0] == "-":
		return readLimited(cmd.InOrStdin())
	case len(args) == 1:
		return args[0], nil
	default:
		return "", errors.New("a prompt is required")
	}
}

func readLimited(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPromptFileBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxPromptFileBytes {
		return "", fmt.Errorf("prompt exceeds %d bytes", maxPromptFileBytes)
	}
	return string(data), nil
}

// describeGatewayError appends the caller hint to gateway failures.
func describeGatewayError(err error) error {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return err
	}
	msg := gerr.Error() + " (hint: " + gerr.Hint()
	if ms := gerr.RetryAfterMs(); ms > 0 {
		msg += fmt.Sprintf(", retry after %dms", ms)
	}
	return fmt.Errorf("%s): %w", msg, err)
}
