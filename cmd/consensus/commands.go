package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/api"
	"github.com/atlas-desktop/signal-consensus/internal/learning"
	"github.com/atlas-desktop/signal-consensus/internal/orchestrator"
)

// withApp loads configuration, wires the engine and runs fn until it returns
// or the process receives SIGINT/SIGTERM.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Bootstrap(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle over the configured assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.orch.ScanCycle(ctx)
				if err != nil {
					return fmt.Errorf("scan cycle: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (c *cli) evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Resolve pending predictions against price history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.orch.EvaluatePass(ctx)
				if err != nil {
					return fmt.Errorf("evaluation pass: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (c *cli) reweightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reweight",
		Short: "Recompute bot weights from resolved predictions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				table, err := a.orch.WeightPass(ctx)
				if errors.Is(err, learning.ErrPassInProgress) {
					a.logger.Info("Another weighting pass is running, nothing to do")
					return nil
				}
				if err != nil {
					return fmt.Errorf("weighting pass: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), table)
			})
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every job on its schedule and serve the read API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	hub := api.NewHub(a.logger, cfg.Server.MaxConnections, cfg.Server.AllowedOrigins)
	hub.Attach(a.bus)
	go hub.Run(ctx)

	server := api.NewServer(a.logger, cfg.Server, api.Dependencies{
		Store:    a.store,
		Weights:  a.weights,
		Registry: a.registry,
		Ping:     a.store.Ping,
		Metrics:  a.metrics.Handler(),
		Hub:      hub,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	jobsDone := make(chan struct{})
	jobsCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	go func() {
		a.orch.Run(jobsCtx, orchestrator.Schedule{
			Scan:     cfg.Scan.Interval,
			Evaluate: cfg.Outcome.Interval,
			Reweight: cfg.Weighting.Interval,
		})
		close(jobsDone)
	}()

	a.logger.Info("Consensus engine running",
		zap.Int("assets", len(cfg.Scan.Assets)),
		zap.Int("bots", len(a.registry.All())),
		zap.Int("port", cfg.Server.Port),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case runErr = <-serverErr:
		a.logger.Error("API server stopped", zap.Error(runErr))
	}

	cancelJobs()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("API server shutdown error", zap.Error(err))
	}
	<-jobsDone

	return runErr
}
