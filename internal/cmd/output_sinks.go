package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
}

// addOutputFlags registers --output-format and --out on cmd.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// openSink opens path for writing; blank or "-" selects the command's stdout.
func openSink(cmd *cobra.Command, path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: cmd.OutOrStdout(), close: func() error { return nil }}, nil
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close}, nil
}

// emit writes rendered to the sink named by --out, or stdout.
func emit(cmd *cobra.Command, rendered string) error {
	path := ""
	if f := cmd.Flags().Lookup("out"); f != nil {
		path = f.Value.String()
	}
	sink, err := openSink(cmd, path)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()
	_, err = fmt.Fprintln(sink.writer, strings.TrimRight(rendered, "\n"))
	return err
}
