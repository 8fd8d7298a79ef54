package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/admission"
	"github.com/keyrelay/keyrelay/internal/ailink"
	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/core/store"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/license"
	"github.com/keyrelay/keyrelay/internal/metrics"
	"github.com/keyrelay/keyrelay/internal/pool"
	"github.com/keyrelay/keyrelay/internal/session"
)

// app holds the components built from one Config.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *store.Store
	redis    redis.UniversalClient
	limiter  *admission.MemoryLimiter
	gateway  *gateway.Gateway
	sessions *session.Manager

	closers []func() error
}

// newApp opens the backends cfg selects and wires the gateway. The caller
// owns the result and must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.logDebug("Gateway wired",
		zap.String("pool_backend", cfg.Gateway.PoolBackend),
		zap.String("admission_backend", cfg.Admission.Backend),
		zap.String("binding_backend", cfg.License.BindingBackend),
		zap.String("provider", cfg.Upstream.Provider))
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	if needsStore(cfg) {
		db, err := store.OpenAndMigrate(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		a.store = db
		a.closers = append(a.closers, db.Close)
	}

	if needsRedis(cfg) {
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("redis.addr is required when a redis backend is selected")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redis = rdb
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	drv, err := ailink.NewDriver(ailink.DriverConfig{
		Provider: cfg.Upstream.Provider,
		BaseURL:  cfg.Upstream.BaseURL,
		Timeout:  cfg.Upstream.Timeout,
	})
	if err != nil {
		return err
	}

	if a.sessions, err = newSessionManager(cfg.Session); err != nil {
		return err
	}

	a.gateway, err = gateway.New(gateway.Options{
		Admission:  a.admitter(),
		License:    license.NewGate(license.NewHTTPAuthority(cfg.License.AuthorityURL, cfg.License.Timeout), a.bindings()),
		Pool:       pool.NewManager(a.poolStore()),
		Driver:     drv,
		Policy:     policyFromConfig(cfg.Gateway),
		Pacer:      gateway.NewPacer(cfg.Gateway.Pacing.RequestsPerSecond, cfg.Gateway.Pacing.Burst),
		Logger:     a.logger,
		Metrics:    metrics.GatewayRecorder{},
		OnShutdown: []func(context.Context) error{
			func(context.Context) error {
				if a.limiter == nil {
					return nil
				}
				return a.limiter.Close()
			},
		},
	})
	return err
}

// Close releases backends in reverse order of opening.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) admitter() *admission.Admitter {
	adm := &admission.Admitter{}
	switch a.cfg.Admission.Backend {
	case "redis":
		adm.Interval = admission.NewRedisLimiter(a.redis, a.cfg.Admission.MinInterval,
			admission.WithRedisPrefix(redisKey(a.cfg.Redis.Prefix, "admission")))
	default:
		a.limiter = admission.NewMemoryLimiter(a.cfg.Admission.MinInterval,
			admission.WithIdleTTL(a.cfg.Admission.IdleTTL),
			admission.WithCleanupEvery(a.cfg.Admission.CleanupEvery))
		a.closers = append(a.closers, a.limiter.Close)
		adm.Interval = a.limiter
	}
	if q := a.cfg.Admission.Quota; q.Enabled && a.store != nil {
		adm.Quota = &admission.Quota{Store: a.store, Requests: q.Requests, Window: q.Window}
	}
	return adm
}

func (a *app) bindings() license.BindingStore {
	if a.cfg.License.BindingBackend == "store" && a.store != nil {
		return a.store
	}
	return license.NewMemoryBindings()
}

func (a *app) poolStore() pool.Store {
	switch a.cfg.Gateway.PoolBackend {
	case "redis":
		return pool.NewRedisStore(a.redis, pool.WithRedisPrefix(redisKey(a.cfg.Redis.Prefix, "pool")))
	case "memory":
		if a.logger != nil {
			a.logger.Warn("Credential pool is held in memory and is lost on restart")
		}
		return pool.NewMemoryStore()
	default:
		return a.store
	}
}

// requireStore returns the store or an error naming the command that needs it.
func (a *app) requireStore(what string) (*store.Store, error) {
	if a.store == nil {
		return nil, fmt.Errorf("%s requires the database store", what)
	}
	return a.store, nil
}

func (a *app) ping(ctx context.Context) map[string]error {
	checks := map[string]error{}
	if a.store != nil {
		checks["store"] = a.store.Ping(ctx)
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping(ctx).Err()
	}
	return checks
}

func (a *app) logDebug(msg string, fields ...zap.Field) {
	if a.logger != nil {
		a.logger.Debug(msg, fields...)
	}
}

func needsStore(cfg *config.Config) bool {
	return cfg.Gateway.PoolBackend == "store" ||
		cfg.License.BindingBackend == "store" ||
		cfg.Admission.Quota.Enabled
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Gateway.PoolBackend == "redis" || cfg.Admission.Backend == "redis"
}

func redisKey(prefix, name string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}

func policyFromConfig(cfg config.GatewayConfig) gateway.Policy {
	return gateway.Policy{
		Models:         cfg.Models,
		MaxAttempts:    cfg.MaxAttempts,
		CooldownWindow: cfg.CooldownWindow,
		Backoff: gateway.Backoff{
			Initial:    cfg.Backoff.Initial,
			Max:        cfg.Backoff.Max,
			Multiplier: cfg.Backoff.Multiplier,
		},
		Classifier: gateway.StatusClassifier{RetryEmptyResult: cfg.RetryEmptyResult},
	}
}

// newSessionManager falls back to a random secret, so tokens issued without
// a configured secret do not survive a restart.
func newSessionManager(cfg config.SessionConfig) (*session.Manager, error) {
	secret := cfg.Secret
	if strings.TrimSpace(secret) == "" {
		var err error
		if secret, err = session.RandomSecret(); err != nil {
			return nil, err
		}
	}
	return session.NewManager(secret, session.WithTTL(cfg.TTL), session.WithIssuer(cfg.Issuer))
}
