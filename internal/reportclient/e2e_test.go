package reportclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/astro-report/internal/auth"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/dispatch"
	"github.com/suPer8Hu/astro-report/internal/generation"
	"github.com/suPer8Hu/astro-report/internal/httpapi"
	"github.com/suPer8Hu/astro-report/internal/httpapi/handlers"
	"github.com/suPer8Hu/astro-report/internal/metrics"
	"github.com/suPer8Hu/astro-report/internal/payment"
	"github.com/suPer8Hu/astro-report/internal/report"
	"github.com/suPer8Hu/astro-report/internal/testutil"
)

type capturePayments struct {
	mu       sync.Mutex
	captured []string
}

func (p *capturePayments) Capture(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, id)
	return nil
}

func (p *capturePayments) Cancel(context.Context, string, string) error { return nil }

type requestCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *requestCounter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.counts[r.Method+" "+r.URL.Path]++
		c.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (c *requestCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func slowReport(delay time.Duration) generation.Generator {
	return generation.GeneratorFunc(func(ctx context.Context, typ report.Type, _ report.Input, _ string) (generation.RawContent, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return generation.RawContent{}, ctx.Err()
		}
		spec, _ := report.Lookup(typ)
		raw := generation.RawContent{Title: spec.Title, Summary: "Steady growth through patient work."}
		for _, sec := range spec.Sections {
			raw.Sections = append(raw.Sections, report.Section{
				Title: sec,
				Body:  strings.Repeat("Jupiter favours measured risks and long commitments. ", 6),
			})
		}
		return raw, nil
	})
}

func TestController_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Env:                "test",
		JWTSecret:          "jwt-e2e",
		WorkerSecret:       "worker-e2e",
		PaymentTokenSecret: "pay-e2e",
		PaymentRequired:    true,
		InlineBudget:       20 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		StaleAfter:         30 * time.Second,
		MaxAge:             150 * time.Second,
		SweepBatch:         5,
	}

	store := report.NewStore(testutil.OpenTestDB(t, &report.Job{}), nil)
	pays := &capturePayments{}
	tokens := payment.NewTokenVerifier(cfg.PaymentTokenSecret)
	m := metrics.New()
	exec := generation.NewExecutor(store, generation.NewRegistry(slowReport(150*time.Millisecond)), pays, m, nil,
		generation.Options{Timeout: 5 * time.Second})
	disp := dispatch.New(store, exec, m, nil, dispatch.Options{HeartbeatInterval: cfg.HeartbeatInterval, StaleAfter: cfg.StaleAfter})
	t.Cleanup(func() { _ = disp.Close(context.Background()) })
	svc := report.NewService(store, disp, tokens, m, nil, report.ServiceOptions{
		PaymentRequired: cfg.PaymentRequired,
		InlineBudget:    cfg.InlineBudget,
	})
	router := httpapi.NewRouter(cfg, handlers.NewHandler(svc, disp, tokens, nil, nil), m, nil)

	counter := &requestCounter{counts: map[string]int{}}
	srv := httptest.NewServer(counter.wrap(router))
	defer srv.Close()

	jwt, err := auth.SignJWT(7, cfg.JWTSecret, time.Hour)
	require.NoError(t, err)
	payTok, err := tokens.Issue("pi_e2e", string(report.TypeCareerMoney), time.Hour)
	require.NoError(t, err)

	c := New(NewClient(srv.URL, jwt), Options{
		ReportType:      report.TypeCareerMoney,
		Input:           report.Input{DOB: "1990-01-01"},
		PaymentToken:    payTok,
		AutoStart:       true,
		PollInterval:    20 * time.Millisecond,
		MaxPollInterval: 50 * time.Millisecond,
	})
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Mount(context.Background()))
	}
	require.Eventually(t, func() bool { return c.Snapshot().Phase.Terminal() }, 5*time.Second, 10*time.Millisecond)

	st := c.Snapshot()
	require.Equal(t, PhaseCompleted, st.Phase, "failure: %+v", st.Failure)
	require.NotNil(t, st.Content)
	assert.Equal(t, "Career & Money Report", st.Content.Title)
	assert.Equal(t, report.QualityHigh, st.Quality)

	assert.Equal(t, 1, counter.get("POST /payments/verify"))
	assert.Equal(t, 1, counter.get("POST /generate-report"))
	assert.GreaterOrEqual(t, counter.get("GET /generate-report"), 1)

	require.Eventually(t, func() bool {
		pays.mu.Lock()
		defer pays.mu.Unlock()
		return len(pays.captured) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "pi_e2e", pays.captured[0])
}
