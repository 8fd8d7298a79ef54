package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/appid"
	errwrap "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/server"
	"github.com/keyrelay/keyrelay/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long: `Start the gateway HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file and apply the log level

Set KEYRELAY_ADMIN_TOKEN to expose POST /admin/signal.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	identity := appid.Get()
	namespace := identity.TelemetryNamespace()
	if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile, namespace); err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "logger initialization failed")
	}
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(namespace, cfg.Metrics.Port); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to wire gateway", zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "gateway initialization failed")
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if a.limiter != nil {
		a.limiter.StartJanitor(janitorCtx)
	}

	if strings.TrimSpace(cfg.Session.Secret) == "" {
		logger.Warn("session.secret is not set; session tokens will not survive a restart")
	}
	if strings.TrimSpace(cfg.License.AuthorityURL) == "" {
		logger.Warn("license.authority_url is not set; every license check will fail as LICENSE_API_UNAVAILABLE")
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	registerHealthChecks(health, a, cfg.Metrics.Enabled)

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		API:          &handlers.API{Gateway: a.gateway, Sessions: a.sessions},
		Health:       health,
		AdminToken:   strings.TrimSpace(os.Getenv(identity.EnvVar("ADMIN_TOKEN"))),
		Pprof:        cfg.Debug.PprofEnabled,
	})

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Handlers run last registered first.
	signals.OnShutdown(func(ctx context.Context) error {
		if err := logger.Sync(); err != nil {
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		stopJanitor()
		if err := a.gateway.Shutdown(ctx); err != nil {
			logger.Warn("Gateway shutdown hooks failed", zap.Error(err))
		}
		if err := a.Close(); err != nil {
			logger.Warn("Closing backends failed", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: reloading config")
		if _, err := readConfigFile(viper.GetViper(), cfgFile != ""); err != nil {
			logger.Error("Failed to reload config file", zap.String("file", viper.ConfigFileUsed()), zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}
		reloaded, err := loadConfig(cmd)
		if err != nil {
			logger.Error("Reloaded config is invalid; keeping current settings", zap.Error(err))
			return err
		}
		observability.SetServerLevel(reloaded.Logging.Level)
		logger.Info("Configuration reloaded; backend changes apply on restart",
			zap.String("file", viper.ConfigFileUsed()),
			zap.String("log_level", reloaded.Logging.Level))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	logger.Info("Starting gateway",
		zap.String("service", identity.BinaryName),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("provider", cfg.Upstream.Provider),
		zap.Strings("models", cfg.Gateway.Models),
		zap.Int("metrics_port", observability.MetricsPort()))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		_ = a.Close()
		return errwrap.WrapInternal(ctx, err, "server error")
	}
	return nil
}

func registerHealthChecks(hm *handlers.HealthManager, a *app, telemetryEnabled bool) {
	if a.store != nil {
		hm.RegisterChecker("store", handlers.CheckerFunc(a.store.Ping))
	}
	if a.redis != nil {
		hm.RegisterChecker("redis", handlers.CheckerFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}
	if telemetryEnabled {
		hm.RegisterChecker("telemetry", handlers.CheckerFunc(func(context.Context) error {
			if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
				return errwrap.NewInternalError("telemetry system not initialized")
			}
			return nil
		}))
	}
	hm.RegisterChecker("session_manager", handlers.CheckerFunc(func(context.Context) error {
		if a.sessions == nil {
			return errwrap.NewConfigInvalidError("session manager not initialized")
		}
		return nil
	}))
}
