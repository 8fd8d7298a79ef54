package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
	"github.com/keyrelay/keyrelay/internal/appid"
	"github.com/keyrelay/keyrelay/internal/config"
	errwrap "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/observability"
)

var (
	cfgFile   string
	verbose   bool
	traceFile string

	stopTracing = func() {}

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   appid.BinaryName,
	Short: appid.Description,
	Long: fmt.Sprintf(`%s - %s

Serves generation requests through a pool of upstream credentials owned by
each license, rotating past rate-limited or rejected keys.

Use the subcommands to perform specific operations.`, appid.BinaryName, appid.Description),
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		stopTracing()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading quiet; serve installs the real telemetry system.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", appid.ConfigName))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace", "", "trace upstream requests/responses to NDJSON file (keys are scrubbed)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if err := observability.InitCLILogger(appid.BinaryName, verbose); err != nil {
		ExitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if traceFile != "" {
		cleanup, err := driver.EnableTracing(traceFile)
		if err != nil {
			observability.CLILogger.Warn("Failed to enable tracing", zap.Error(err))
		} else {
			observability.CLILogger.Debug("Upstream tracing enabled", zap.String("file", traceFile))
			stopTracing = cleanup
		}
	}

	v := viper.GetViper()
	configureViper(v, cfgFile)
	used, err := readConfigFile(v, cfgFile != "")
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot read config file", err)
	}
	if used != "" {
		observability.CLILogger.Debug("Using config file", zap.String("path", used))
	} else {
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
	}
}

// configureViper registers defaults, the config search path and the
// KEYRELAY_* environment binding. Nested keys map to env names with "."
// replaced by "_", e.g. KEYRELAY_GATEWAY_MAX_ATTEMPTS.
func configureViper(v *viper.Viper, file string) {
	config.SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if dir := config.DefaultConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(appid.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// readConfigFile reads the config file if one is found. A missing file is
// only an error when it was named explicitly.
func readConfigFile(v *viper.Viper, explicit bool) (string, error) {
	err := v.ReadInConfig()
	if err == nil {
		return v.ConfigFileUsed(), nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return "", nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return "", err
}

// loadConfig decodes and validates the global viper state.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid configuration")
	}
	return cfg, nil
}
