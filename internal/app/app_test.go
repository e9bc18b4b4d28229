package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/dispatch"
	"github.com/suPer8Hu/astro-report/internal/report"
)

func testConfig(t *testing.T) config.Config {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return config.Config{
		Env:                "development",
		DBDSN:              "file:" + name + "?mode=memory&cache=shared",
		Generator:          GeneratorMock,
		AIProvider:         "ollama",
		OllamaBaseURL:      "http://localhost:11434",
		OllamaModel:        "llama3:latest",
		GenerationTimeout:  5 * time.Second,
		DispatchMode:       DispatchInline,
		InlineBudget:       2 * time.Second,
		HeartbeatInterval:  time.Second,
		StaleAfter:         45 * time.Second,
		MaxAge:             150 * time.Second,
		SweepBatch:         5,
		WorkerConcurrency:  2,
		PaymentTokenSecret: "pay",
	}
}

func TestNew_MockPipelineCompletesInDevelopment(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	launcher, err := a.Launcher()
	require.NoError(t, err)
	assert.Same(t, a.Dispatcher, launcher)

	job, created, err := a.Store.CreateProcessing(ctx, report.NewJob{
		IdempotencyKey: "k1",
		UserID:         1,
		ReportType:     report.TypeLifeSummary,
		Input:          report.Input{DOB: "1990-01-01"},
	})
	require.NoError(t, err)
	require.True(t, created)

	res, err := a.Dispatcher.RunReport(ctx, job.ReportID)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, report.StatusCompleted, res.Status)
}

func TestNewGenerators(t *testing.T) {
	cfg := testConfig(t)
	reg := NewAIRegistry(cfg)

	_, allow, err := NewGenerators(context.Background(), cfg, reg)
	require.NoError(t, err)
	assert.True(t, allow)

	cfg.Env = "production"
	_, _, err = NewGenerators(context.Background(), cfg, reg)
	assert.ErrorContains(t, err, "only allowed in development")

	cfg.Generator = GeneratorLLM
	_, allow, err = NewGenerators(context.Background(), cfg, reg)
	require.NoError(t, err)
	assert.False(t, allow)

	cfg.AIProvider = "openrouter"
	_, _, err = NewGenerators(context.Background(), cfg, reg)
	assert.ErrorContains(t, err, "OPENROUTER_API_KEY")

	cfg.Generator = "oracle"
	_, _, err = NewGenerators(context.Background(), cfg, reg)
	assert.Error(t, err)
}

func TestNew_RejectsDevSecretsInProduction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env = "production"
	cfg.JWTSecret = "dev-secret-change-me"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestLauncher_RejectsUnknownMode(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.DispatchMode = "carrier-pigeon"
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	_, err = a.Launcher()
	assert.ErrorContains(t, err, "DISPATCH_MODE")
}

func TestStatusCache_DisabledWithoutRedis(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	assert.Nil(t, a.StatusCache(ctx))
	assert.NotNil(t, a.Handler(ctx, dispatch.NewQueueLauncher(nil)))
}
