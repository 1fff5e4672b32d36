package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/app"
	"github.com/rushago/billing-reconciler/internal/config"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
)

// withApp builds the billing services, runs fn and closes them.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	_ = config.LoadDotEnv(envFile)

	cfg := config.Load()
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one poll sweep over unresolved bills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return a.Sweeper.RunOnce(ctx)
			})
		},
	}
	cmd.Flags().Duration("timeout", 2*time.Minute, "abort the sweep after this long")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [tx_ref]",
		Short: "Verify one bill with the gateway and apply the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Reconciler.VerifyPayment(ctx, args[0])
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [tx_ref]",
		Short: "Show the gateway's view of a transaction without changing the bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Reconciler.QueryStatus(ctx, args[0])
			})
		},
	}
}

func retryActivationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-activation [tx_ref]",
		Short: "Retry the subscription activation of a completed bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				activated, err := a.Reconciler.RetryActivation(ctx, args[0])
				if err != nil {
					return nil, fmt.Errorf("retry activation %s: %w", args[0], err)
				}
				return map[string]any{"tx_ref": args[0], "activated": activated}, nil
			})
		},
	}
}
