package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/astro-report/internal/app"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/httpapi"
	"github.com/suPer8Hu/astro-report/internal/logging"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "astro-report",
		Short:        "Astrology report API server",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		addr          string
		sweepInterval time.Duration
		shutdownGrace time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the report API",
		Long: `Serve the report API. Reports run in process (DISPATCH_MODE=inline) or are
queued for the worker (DISPATCH_MODE=queue). Configuration is read from the
environment, e.g. DB_DSN, JWT_SECRET, REDIS_ADDR.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("sweep-interval") {
				cfg.SweepInterval = sweepInterval
			}
			return serve(cmd.Context(), cfg, shutdownGrace)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "run the stale-job sweep on this interval (0 disables)")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 15*time.Second, "how long to wait for in-flight reports on shutdown")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the report tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logging.Must(cfg.Env)
			defer func() { _ = log.Sync() }()

			// app.New migrates on open
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			log.Info("migration done")
			return a.Close(cmd.Context())
		},
	}
}

func serve(parent context.Context, cfg config.Config, grace time.Duration) error {
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
	launcher, err := a.Launcher()
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(cfg, a.Handler(ctx, launcher), a.Metrics, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// pick up whatever a previous process left in processing
	go func() {
		res, err := a.Dispatcher.Sweep(ctx)
		if err != nil {
			log.Warn("boot sweep failed", zap.Error(err))
			return
		}
		log.Info("boot sweep done",
			zap.Int("scanned", res.Scanned),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("expired", res.Expired))
	}()
	if cfg.SweepInterval > 0 {
		go a.Dispatcher.RunSweeper(ctx, cfg.SweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server started",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("env", cfg.Env),
			zap.String("dispatch_mode", cfg.DispatchMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("server shutting down")
	case serveErr = <-errCh:
		log.Error("server stopped", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// runs still going past the grace period stay processing for the next sweep
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("dispatcher shutdown", zap.Error(err))
	}
	return serveErr
}
