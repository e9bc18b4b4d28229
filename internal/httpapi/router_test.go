package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	"github.com/suPer8Hu/astro-report/internal/common"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/dispatch"
	"github.com/suPer8Hu/astro-report/internal/generation"
	"github.com/suPer8Hu/astro-report/internal/httpapi/handlers"
	"github.com/suPer8Hu/astro-report/internal/metrics"
	"github.com/suPer8Hu/astro-report/internal/payment"
	"github.com/suPer8Hu/astro-report/internal/report"
	"github.com/suPer8Hu/astro-report/internal/testutil"
)

func init() { gin.SetMode(gin.TestMode) }

type recordingPayments struct {
	mu        sync.Mutex
	captured  []string
	cancelled []string
}

func (p *recordingPayments) Capture(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, id)
	return nil
}

func (p *recordingPayments) Cancel(_ context.Context, id, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, id)
	return nil
}

func (p *recordingPayments) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.captured...), append([]string(nil), p.cancelled...)
}

type testServer struct {
	router   *gin.Engine
	store    *report.Store
	payments *recordingPayments
	tokens   *payment.TokenVerifier
	cfg      config.Config
	disp     *dispatch.Dispatcher
}

func testConfig() config.Config {
	return config.Config{
		Env:                "test",
		JWTSecret:          "jwt-test",
		WorkerSecret:       "worker-test",
		PaymentTokenSecret: "pay-test",
		PaymentRequired:    true,
		InlineBudget:       2 * time.Second,
		HeartbeatInterval:  time.Second,
		StaleAfter:         30 * time.Second,
		MaxAge:             150 * time.Second,
		SweepBatch:         5,
		StartRatePerSec:    100,
		StartBurst:         100,
	}
}

func newTestServer(t *testing.T, gen generation.Generator, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	store := report.NewStore(testutil.OpenTestDB(t, &report.Job{}), nil)
	pays := &recordingPayments{}
	tokens := payment.NewTokenVerifier(cfg.PaymentTokenSecret)
	m := metrics.New()

	exec := generation.NewExecutor(store, generation.NewRegistry(gen), pays, m, nil, generation.Options{Timeout: 5 * time.Second})
	disp := dispatch.New(store, exec, m, nil, dispatch.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		MaxAge:            cfg.MaxAge,
		Batch:             cfg.SweepBatch,
	})
	t.Cleanup(func() { _ = disp.Close(context.Background()) })

	svc := report.NewService(store, disp, tokens, m, nil, report.ServiceOptions{
		PaymentRequired: cfg.PaymentRequired,
		InlineBudget:    cfg.InlineBudget,
	})
	h := handlers.NewHandler(svc, disp, tokens, nil, nil)

	return &testServer{
		router:   NewRouter(cfg, h, m, nil),
		store:    store,
		payments: pays,
		tokens:   tokens,
		cfg:      cfg,
		disp:     disp,
	}
}

type envelope = common.Envelope[json.RawMessage]

type view struct {
	ReportID   string          `json:"reportId"`
	ReportType string          `json:"reportType"`
	Status     string          `json:"status"`
	Quality    string          `json:"quality"`
	Content    *report.Content `json:"content"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Replayed bool `json:"replayed"`
}

func (s *testServer) token(t *testing.T, uid uint64) string {
	t.Helper()
	tok, err := auth.SignJWT(uid, s.cfg.JWTSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (s *testServer) start(t *testing.T, uid uint64, body map[string]any, extra map[string]string) (int, envelope) {
	headers := map[string]string{"Authorization": "Bearer " + s.token(t, uid)}
	for k, v := range extra {
		headers[k] = v
	}
	return s.do(t, http.MethodPost, "/generate-report", body, headers)
}

func (s *testServer) poll(t *testing.T, uid uint64, reportID string) (int, envelope) {
	return s.do(t, http.MethodGet, "/generate-report?reportId="+reportID, nil,
		map[string]string{"Authorization": "Bearer " + s.token(t, uid)})
}

func decodeView(t *testing.T, env envelope) view {
	t.Helper()
	var v view
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func validReport() generation.Generator {
	return generation.GeneratorFunc(func(_ context.Context, typ report.Type, _ report.Input, _ string) (generation.RawContent, error) {
		spec, _ := report.Lookup(typ)
		raw := generation.RawContent{Title: spec.Title, Summary: "A year of steady progress."}
		for _, sec := range spec.Sections {
			raw.Sections = append(raw.Sections, report.Section{
				Title: sec,
				Body:  strings.Repeat("Saturn rewards discipline and long-term plans. ", 6),
			})
		}
		return raw, nil
	})
}

func (s *testServer) paidBody(t *testing.T, reportType string) map[string]any {
	t.Helper()
	tok, err := s.tokens.Issue("pi_"+reportType, reportType, time.Hour)
	require.NoError(t, err)
	return map[string]any{
		"reportType":   reportType,
		"input":        map[string]any{"dob": "1990-01-01"},
		"paymentToken": tok,
	}
}

func waitTerminal(t *testing.T, s *testServer, uid uint64, reportID string) view {
	t.Helper()
	var v view
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, env := s.poll(t, uid, reportID)
		if code == http.StatusOK {
			v = decodeView(t, env)
			if v.Status == "completed" || v.Status == "failed" {
				return v
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("report %s still %q after 5s", reportID, v.Status)
	return v
}

func TestGenerateReport_RoundTrip(t *testing.T) {
	s := newTestServer(t, validReport())

	code, env := s.start(t, 1, s.paidBody(t, "year-analysis"), nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	started := decodeView(t, env)
	assert.True(t, strings.HasPrefix(started.ReportID, "RPT-"))
	assert.False(t, started.Replayed)

	v := waitTerminal(t, s, 1, started.ReportID)
	assert.Equal(t, "completed", v.Status)
	assert.Equal(t, "HIGH", v.Quality)
	require.NotNil(t, v.Content)
	assert.NotEmpty(t, v.Content.Sections)
	assert.Nil(t, v.Error)

	captured, cancelled := s.payments.snapshot()
	assert.Equal(t, []string{"pi_year-analysis"}, captured)
	assert.Empty(t, cancelled)
}

func TestGenerateReport_GeneratorFailure(t *testing.T) {
	failing := generation.GeneratorFunc(func(context.Context, report.Type, report.Input, string) (generation.RawContent, error) {
		return generation.RawContent{}, errors.New("OpenAI API error")
	})
	s := newTestServer(t, failing)

	code, env := s.start(t, 1, s.paidBody(t, "career-money"), nil)
	require.Equal(t, http.StatusOK, code)
	started := decodeView(t, env)

	v := waitTerminal(t, s, 1, started.ReportID)
	assert.Equal(t, "failed", v.Status)
	assert.Nil(t, v.Content)
	require.NotNil(t, v.Error)
	assert.Equal(t, "GENERATION_FAILED", v.Error.Code)
	assert.Contains(t, v.Error.Message, "OpenAI API error")

	captured, cancelled := s.payments.snapshot()
	assert.Empty(t, captured)
	assert.Equal(t, []string{"pi_career-money"}, cancelled)
}

func TestGenerateReport_IdempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t, validReport())
	body := s.paidBody(t, "year-analysis")
	key := map[string]string{handlers.IdempotencyKeyHeader: "attempt-1"}

	_, env := s.start(t, 1, body, key)
	first := decodeView(t, env)
	_, env = s.start(t, 1, body, key)
	second := decodeView(t, env)

	assert.Equal(t, first.ReportID, second.ReportID)
	assert.True(t, second.Replayed)

	_, env = s.start(t, 1, body, map[string]string{handlers.IdempotencyKeyHeader: "attempt-2"})
	assert.NotEqual(t, first.ReportID, decodeView(t, env).ReportID)
}

func TestGenerateReport_Rejections(t *testing.T) {
	s := newTestServer(t, validReport())

	code, env := s.do(t, http.MethodPost, "/generate-report", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 40101, env.Code)

	code, env = s.start(t, 1, map[string]any{"reportType": "life-summary", "input": map[string]any{"dob": "tomorrow"}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10002, env.Code)

	code, env = s.start(t, 1, map[string]any{"reportType": "full-life", "input": map[string]any{"dob": "1990-01-01"}}, nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, 40201, env.Code)

	wrongType := s.paidBody(t, "career-money")
	wrongType["reportType"] = "full-life"
	code, _ = s.start(t, 1, wrongType, nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
}

func TestGenerateReport_RateLimited(t *testing.T) {
	s := newTestServer(t, validReport(), func(c *config.Config) {
		c.StartRatePerSec = 0.001
		c.StartBurst = 1
	})
	body := map[string]any{"reportType": "life-summary", "input": map[string]any{"dob": "1990-01-01"}}

	code, _ := s.start(t, 1, body, nil)
	assert.Equal(t, http.StatusOK, code)
	code, env := s.start(t, 1, body, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, 42901, env.Code)
}

func TestGetReport_OwnershipAndValidation(t *testing.T) {
	s := newTestServer(t, validReport())
	_, env := s.start(t, 1, map[string]any{"reportType": "life-summary", "input": map[string]any{"dob": "1990-01-01"}}, nil)
	id := decodeView(t, env).ReportID

	code, env := s.poll(t, 2, id)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40401, env.Code)

	code, env = s.do(t, http.MethodGet, "/generate-report", nil, map[string]string{"Authorization": "Bearer " + s.token(t, 1)})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10003, env.Code)
}

func TestVerifyPayment(t *testing.T) {
	s := newTestServer(t, validReport())
	hdr := map[string]string{"Authorization": "Bearer " + s.token(t, 1)}
	tok, err := s.tokens.Issue("pi_9", "full-life", time.Hour)
	require.NoError(t, err)

	code, env := s.do(t, http.MethodPost, "/payments/verify", map[string]any{"paymentToken": tok, "reportType": "full-life"}, hdr)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"paymentIntentId":"pi_9","reportType":"full-life"}`, string(env.Data))

	code, env = s.do(t, http.MethodPost, "/payments/verify", map[string]any{"paymentToken": tok, "reportType": "career-money"}, hdr)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, 40202, env.Code)
}

func TestReportWorker(t *testing.T) {
	s := newTestServer(t, validReport())
	job, _, err := s.store.CreateProcessing(context.Background(), report.NewJob{
		IdempotencyKey: "orphan",
		UserID:         1,
		ReportType:     report.TypeLifeSummary,
		Input:          report.Input{DOB: "1990-01-01"},
	})
	require.NoError(t, err)
	body := map[string]any{"reportId": job.ReportID}

	code, _ := s.do(t, http.MethodPost, "/report-worker", body, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	secret := map[string]string{"X-Worker-Secret": s.cfg.WorkerSecret}
	code, env := s.do(t, http.MethodPost, "/report-worker", body, secret)
	require.Equal(t, http.StatusOK, code, env.Message)
	var res dispatch.RunResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Ran)
	assert.Equal(t, report.StatusCompleted, res.Status)

	code, env = s.do(t, http.MethodPost, "/report-worker", body, secret)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Ran, "second invocation is a no-op")

	code, _ = s.do(t, http.MethodPost, "/report-worker", map[string]any{"reportId": "RPT-nope"}, secret)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestProcessReportQueue(t *testing.T) {
	s := newTestServer(t, validReport(), func(c *config.Config) {
		c.Env = "development"
		c.WorkerSecret = ""
	})

	code, env := s.do(t, http.MethodPost, "/process-report-queue", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"scanned":0,"completed":0,"failed":0,"expired":0,"skipped":0}`, string(env.Data))
}

func TestPingMetricsAndNoRoute(t *testing.T) {
	s := newTestServer(t, validReport())

	code, env := s.do(t, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.Code)

	code, env = s.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, env.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
