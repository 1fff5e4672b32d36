// Package app wires the billing service from configuration. The HTTP server
// and the ops CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/config"
	"github.com/rushago/billing-reconciler/internal/handler"
	"github.com/rushago/billing-reconciler/internal/infra/cache"
	"github.com/rushago/billing-reconciler/internal/infra/flutterwave"
	"github.com/rushago/billing-reconciler/internal/infra/gormstore"
	"github.com/rushago/billing-reconciler/internal/infra/memstore"
	"github.com/rushago/billing-reconciler/internal/infra/notify"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/infra/redislock"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
	"github.com/rushago/billing-reconciler/internal/infra/supabase"
	"github.com/rushago/billing-reconciler/internal/port"
	"github.com/rushago/billing-reconciler/internal/service"
)

// App holds the wired services.
type App struct {
	Config     *config.Config
	Metrics    *observability.Metrics
	Activator  *service.Activator
	Reconciler *service.Reconciler
	Sweeper    *service.PollSweeper
	Payments   *service.PaymentService
	Tokens     *service.TokenValidator
	Checks     []handler.HealthCheck

	logger  *zap.Logger
	seen    *cache.InMemory[bool]
	closers []func() error
}

type stores struct {
	bills    port.BillStore
	accounts port.AccountStore
	activity port.ActivityLogger
	notifier port.Notifier
}

// New connects the configured backends and builds the services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Metrics: observability.NewMetrics(),
		Tokens:  service.NewTokenValidator(cfg.JWTSecret),
		logger:  logger,
	}

	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	st, err := a.openStores(ctx, httpClient, resilienceCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var lock port.SweepLock
	if cfg.RedisAddr != "" {
		rdb, err := redislock.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		lock = redislock.New(rdb, logger)
		a.Checks = append(a.Checks, handler.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info("sweep lease enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	gateway := flutterwave.NewClient(httpClient, flutterwave.Options{
		BaseURL:           cfg.FlwBaseURL,
		SecretKey:         cfg.FlwSecretKey,
		EncryptionKey:     cfg.FlwEncryptionKey,
		VerifyConcurrency: cfg.MaxConcurrency,
	}, resilience.NewCircuitBreaker("flutterwave"), resilienceCfg, logger)

	a.seen = cache.New[bool](cfg.WebhookDedupTTL)
	a.Activator = service.NewActivator(st.accounts, st.activity, st.notifier, a.Metrics, logger)
	a.Reconciler = service.NewReconciler(st.bills, st.accounts, gateway, a.Activator, a.seen,
		service.ReconcilerOptions{CallbackReverify: cfg.CallbackReverify, VerifyTimeout: 2 * cfg.HTTPTimeout}, a.Metrics, logger)
	a.Sweeper = service.NewPollSweeper(st.bills, gateway, a.Reconciler, lock, service.SweeperConfig{
		Interval:   cfg.SweepInterval,
		BatchSize:  cfg.SweepBatchSize,
		LeaseTTL:   cfg.SweepLeaseTTL,
		RetryGrace: cfg.ActivationRetryGrace,
	}, a.Metrics, logger)
	a.Payments = service.NewPaymentService(st.bills, st.accounts, gateway, a.Activator, st.activity, service.PaymentConfig{
		Currency:        cfg.PaymentCurrency,
		RedirectURL:     cfg.PaymentRedirectURL,
		ProPlanAmount:   cfg.ProPlanAmount,
		BasicPlanAmount: cfg.BasicPlanAmount,
	}, a.Metrics, logger)

	return a, nil
}

func (a *App) openStores(ctx context.Context, httpClient *http.Client, rcfg resilience.Config) (*stores, error) {
	cfg, logger := a.Config, a.logger

	switch cfg.StoreBackend {
	case config.BackendSupabase:
		if cfg.SupabaseURL == "" {
			return nil, errors.New("STORE_BACKEND=supabase requires SUPABASE_URL")
		}
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		sb := supabase.NewClient(httpClient, cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"), rcfg, logger)
		a.Checks = append(a.Checks, handler.HealthCheck{Name: "supabase", Check: sb.Ping})
		return &stores{bills: sb, accounts: sb, activity: sb, notifier: sb}, nil

	case config.BackendMySQL:
		if cfg.MySQLDSN == "" {
			return nil, errors.New("STORE_BACKEND=mysql requires MYSQL_DSN")
		}
		logger.Info("using MySQL as data backend")
		db, err := gormstore.Open(ctx, cfg.MySQLDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Checks = append(a.Checks, handler.HealthCheck{Name: "mysql", Check: db.Ping})
		return &stores{bills: db, accounts: db, activity: db, notifier: notify.NewLogNotifier(logger)}, nil

	case config.BackendMemory:
		logger.Warn("using the in-memory store; data is lost on restart")
		m := memstore.New()
		return &stores{bills: m, accounts: m, activity: m, notifier: notify.NewLogNotifier(logger)}, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

// Router builds the HTTP handler.
func (a *App) Router() http.Handler {
	return handler.NewRouter(handler.Deps{
		Payments:    a.Payments,
		Reconciler:  a.Reconciler,
		Sweeper:     a.Sweeper,
		Tokens:      a.Tokens,
		WebhookHash: a.Config.FlwWebhookHash,
		Checks:      a.Checks,
		Metrics:     a.Metrics,
		Logger:      a.logger,
	})
}

// Close drains pending side effects and releases connections. Stop the
// sweeper first.
func (a *App) Close() error {
	if a.Activator != nil {
		a.Activator.Wait()
	}
	if a.seen != nil {
		a.seen.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
