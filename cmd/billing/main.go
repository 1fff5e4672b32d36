package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/app"
	"github.com/rushago/billing-reconciler/internal/config"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Int("sweep_batch_size", cfg.SweepBatchSize),
		zap.Bool("callback_reverify", cfg.CallbackReverify),
	)
	if cfg.FlwWebhookHash == "" {
		logger.Warn("FLW_WEBHOOK_HASH is not set, webhook deliveries will be rejected")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "rushago-billing")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Services ---
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	billing, err := app.New(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Fatal("failed to start billing service", zap.Error(err))
	}

	// --- Poll sweeper ---
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	billing.Sweeper.Start(runCtx)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      billing.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	billing.Sweeper.Stop()
	if err := billing.Close(); err != nil {
		logger.Error("closing billing service", zap.Error(err))
	}

	logger.Info("server stopped")
}
