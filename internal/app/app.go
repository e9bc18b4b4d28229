// Package app assembles the report pipeline from configuration. The server
// and the worker binaries share it so both run the same executor and
// dispatcher over the same store.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/astro-report/internal/ai"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/db"
	"github.com/suPer8Hu/astro-report/internal/dispatch"
	"github.com/suPer8Hu/astro-report/internal/generation"
	"github.com/suPer8Hu/astro-report/internal/httpapi/handlers"
	"github.com/suPer8Hu/astro-report/internal/metrics"
	"github.com/suPer8Hu/astro-report/internal/payment"
	"github.com/suPer8Hu/astro-report/internal/report"
	"github.com/suPer8Hu/astro-report/internal/store/rabbitmq"
	"github.com/suPer8Hu/astro-report/internal/store/redisstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"

	GeneratorLLM  = "llm"
	GeneratorMock = "mock"
)

type App struct {
	Config     config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Store      *report.Store
	Metrics    *metrics.Metrics
	Payments   payment.Provider
	Tokens     *payment.TokenVerifier
	Executor   *generation.Executor
	Dispatcher *dispatch.Dispatcher

	closers []func() error
}

// New opens the database, migrates it and builds the executor and
// dispatcher. Close releases everything New and later helpers opened.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, DB: gdb}
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	a.Store = report.NewStore(gdb, log)
	if err := a.Store.AutoMigrate(ctx); err != nil {
		_ = a.closeAll()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	gens, allowMock, err := NewGenerators(ctx, cfg, NewAIRegistry(cfg))
	if err != nil {
		_ = a.closeAll()
		return nil, err
	}

	a.Metrics = metrics.New()
	a.Payments = payment.NewLogProvider(log)
	a.Tokens = payment.NewTokenVerifier(cfg.PaymentTokenSecret)
	a.Executor = generation.NewExecutor(a.Store, gens, a.Payments, a.Metrics, log, generation.Options{
		Timeout:          cfg.GenerationTimeout,
		AllowMockContent: allowMock,
	})
	a.Dispatcher = dispatch.New(a.Store, a.Executor, a.Metrics, log, dispatch.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		MaxAge:            cfg.MaxAge,
		Batch:             cfg.SweepBatch,
		Concurrency:       cfg.WorkerConcurrency,
	})
	return a, nil
}

// NewAIRegistry registers the providers a generator can be backed by.
func NewAIRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(_ context.Context, model string) (ai.Provider, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}

// NewGenerators picks the content source. The mock generator, and the
// acceptance of its content, is only available in development.
func NewGenerators(ctx context.Context, cfg config.Config, reg *ai.Registry) (*generation.Registry, bool, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Generator)) {
	case "", GeneratorLLM:
		p, err := reg.Get(ctx, cfg.AIProvider, "")
		if err != nil {
			return nil, false, err
		}
		return generation.NewRegistry(generation.NewLLMGenerator(p)), false, nil
	case GeneratorMock:
		if !cfg.IsDevelopment() {
			return nil, false, fmt.Errorf("report generator %q is only allowed in development", GeneratorMock)
		}
		return generation.NewRegistry(generation.MockGenerator{}), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported REPORT_GENERATOR=%q", cfg.Generator)
	}
}

// Launcher returns how new reports get executed: in process, or published to
// the queue for cmd/worker.
func (a *App) Launcher() (report.Launcher, error) {
	switch a.Config.DispatchMode {
	case "", DispatchInline:
		return a.Dispatcher, nil
	case DispatchQueue:
		pub, err := rabbitmq.NewPublisher(a.Config.RabbitURL, a.Config.RabbitQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		return dispatch.NewQueueLauncher(pub), nil
	default:
		return nil, fmt.Errorf("unsupported DISPATCH_MODE=%q", a.Config.DispatchMode)
	}
}

// StatusCache connects redis when it is configured. A cache that cannot be
// reached is logged and skipped; reads fall back to the database.
func (a *App) StatusCache(ctx context.Context) handlers.StatusCache {
	if a.Config.RedisAddr == "" {
		return nil
	}
	rs := redisstore.New(a.Config.RedisAddr, a.Config.RedisPassword, a.Config.RedisDB, a.Config.StatusCacheTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		a.Log.Warn("redis unavailable, status cache disabled", zap.String("addr", a.Config.RedisAddr), zap.Error(err))
		_ = rs.Close()
		return nil
	}
	a.closers = append(a.closers, rs.Close)
	return rs
}

// Handler builds the HTTP handler set with the given launcher.
func (a *App) Handler(ctx context.Context, launcher report.Launcher) *handlers.Handler {
	svc := report.NewService(a.Store, launcher, a.Tokens, a.Metrics, a.Log, report.ServiceOptions{
		PaymentRequired: a.Config.PaymentRequired,
		InlineBudget:    a.Config.InlineBudget,
	})
	return handlers.NewHandler(svc, a.Dispatcher, a.Tokens, a.StatusCache(ctx), a.Log)
}

// Close waits for in-flight runs until ctx is done, then releases resources.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
