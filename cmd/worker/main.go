package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/astro-report/internal/app"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/logging"
	"github.com/suPer8Hu/astro-report/internal/report"
	"github.com/suPer8Hu/astro-report/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "astro-worker",
		Short:        "Background report runner",
		SilenceUsage: true,
	}
	root.AddCommand(newConsumeCmd(), newSweepCmd())
	return root
}

func newConsumeCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run reports published to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if concurrency > 0 {
				cfg.WorkerConcurrency = concurrency
			}
			return consume(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "reports run at once (overrides WORKER_CONCURRENCY)")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover stale processing reports once and print the result",
		Long: `Recover stale processing reports once. Meant for cron: jobs that stopped
heartbeating are re-run, jobs past MAX_AGE are failed with GENERATION_TIMEOUT.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logging.Must(cfg.Env)
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			res, sweepErr := a.Dispatcher.Sweep(ctx)
			if err := a.Close(ctx); err != nil {
				log.Warn("close", zap.Error(err))
			}
			if sweepErr != nil {
				return sweepErr
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func consume(parent context.Context, cfg config.Config) error {
	log := logging.Must(cfg.Env)
	defer func() { _ = log.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, log)
	if err != nil {
		log.Error("rabbit connect failed", zap.Error(err))
		return err
	}
	defer func() { _ = consumer.Close() }()

	if cfg.SweepInterval > 0 {
		go a.Dispatcher.RunSweeper(ctx, cfg.SweepInterval)
	}

	return consumer.Run(ctx, func(ctx context.Context, reportID string) error {
		res, err := a.Dispatcher.RunReport(ctx, reportID)
		if errors.Is(err, report.ErrNotFound) {
			// nothing to run; drop the message
			log.Warn("queued report not found", zap.String("report_id", reportID))
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("queued report done",
			zap.String("report_id", reportID),
			zap.String("status", string(res.Status)),
			zap.Bool("ran", res.Ran))
		return nil
	})
}
