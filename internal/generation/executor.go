package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/astro-report/internal/metrics"
	"github.com/suPer8Hu/astro-report/internal/payment"
	"github.com/suPer8Hu/astro-report/internal/report"
	"go.uber.org/zap"
)

// JobStore is the slice of the report store the executor writes through.
type JobStore interface {
	MarkCompleted(ctx context.Context, key, reportID string, content report.Content, quality report.Quality) (bool, error)
	MarkFailed(ctx context.Context, key, reportID string, code report.ErrorCode, msg string) (bool, error)
}

type Options struct {
	// Timeout bounds a single generator call.
	Timeout time.Duration
	// AllowMockContent accepts content carrying mock markers (development only).
	AllowMockContent bool
}

// Executor turns a processing job into exactly one terminal store write.
type Executor struct {
	store      JobStore
	generators *Registry
	payments   payment.Provider
	metrics    *metrics.Metrics
	log        *zap.Logger
	opts       Options
	now        func() time.Time
}

func NewExecutor(store JobStore, generators *Registry, payments payment.Provider, m *metrics.Metrics, log *zap.Logger, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 100 * time.Second
	}
	return &Executor{
		store:      store,
		generators: generators,
		payments:   payments,
		metrics:    m,
		log:        log,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Outcome reports how a run ended.
type Outcome struct {
	Status  report.Status
	Code    report.ErrorCode
	Message string
	Quality report.Quality
	// Applied is false when another writer had already finished the job.
	Applied bool
	// Abandoned runs were interrupted by shutdown and left for a sweep.
	Abandoned bool
	Err       error
}

// Failure is a terminal, classified generation error.
type Failure struct {
	Code report.ErrorCode
	Err  error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Code, f.Err) }

func (f *Failure) Unwrap() error { return f.Err }

func fail(code report.ErrorCode, err error) *Failure { return &Failure{Code: code, Err: err} }

var errGenerationTimeout = errors.New("generation timed out")

// Run generates, validates and stores the report for job. Whatever the
// generator does (error, panic, hang, junk), Run ends in one terminal write,
// except when ctx itself is cancelled by shutdown.
func (e *Executor) Run(ctx context.Context, job *report.Job) (out Outcome) {
	log := e.log.With(zap.String("report_id", job.ReportID), zap.String("report_type", string(job.ReportType)))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", zap.Any("panic", r))
			out = e.finishFailed(ctx, log, job, fail(report.CodeGenerationFailed, fmt.Errorf("panic: %v", r)))
		}
		log.Info("report run finished",
			zap.String("event", "report_run_finished"),
			zap.String("status", string(out.Status)),
			zap.String("error_code", string(out.Code)),
			zap.Bool("applied", out.Applied),
			zap.Bool("abandoned", out.Abandoned),
			zap.Duration("took", time.Since(start)))
	}()

	content, quality, err := e.produce(ctx, log, job)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Warn("report run abandoned on shutdown", zap.Error(err))
			return Outcome{Status: report.StatusProcessing, Abandoned: true, Err: err}
		}
		var f *Failure
		if !errors.As(err, &f) {
			f = fail(report.CodeGenerationFailed, err)
		}
		return e.finishFailed(ctx, log, job, f)
	}
	return e.finishCompleted(ctx, log, job, content, quality)
}

// Fail records a terminal failure decided outside a generator run, such as a
// sweep expiring a job that outlived its maximum age. Payment handling is the
// same as for a failed run.
func (e *Executor) Fail(ctx context.Context, job *report.Job, code report.ErrorCode, reason string) Outcome {
	log := e.log.With(zap.String("report_id", job.ReportID), zap.String("report_type", string(job.ReportType)))
	return e.finishFailed(ctx, log, job, fail(code, errors.New(reason)))
}

func (e *Executor) produce(ctx context.Context, log *zap.Logger, job *report.Job) (report.Content, report.Quality, error) {
	spec, ok := report.Lookup(job.ReportType)
	if !ok {
		return report.Content{}, "", fail(report.CodeValidationFailed, fmt.Errorf("unknown report type %q", job.ReportType))
	}
	in, err := job.DecodeInput()
	if err != nil {
		return report.Content{}, "", fail(report.CodeValidationFailed, fmt.Errorf("decode input: %w", err))
	}
	gen, err := e.generators.For(job.ReportType)
	if err != nil {
		return report.Content{}, "", fail(report.CodeGenerationFailed, err)
	}

	raw, err := e.generate(ctx, gen, job.ReportType, in, job.ReportID)
	if err != nil {
		if errors.Is(err, errGenerationTimeout) {
			return report.Content{}, "", fail(report.CodeGenerationTimeout, err)
		}
		return report.Content{}, "", err
	}

	vopts := ValidateOptions{AllowMock: e.opts.AllowMockContent}
	quality := report.QualityHigh
	if v := Validate(spec, raw, vopts); !v.OK {
		log.Warn("generated content failed validation, applying fallback",
			zap.String("error_code", string(v.Code)), zap.String("reason", v.Reason))

		fixed := Fallback(spec, raw)
		v2 := Validate(spec, fixed, vopts)
		switch {
		case v2.OK:
			raw = fixed
		case v2.Reason == ReasonTooShort && spec.Degradable:
			log.Warn("accepting degraded content", zap.Int("body_chars", fixed.bodyLength()))
			raw = fixed
			quality = report.QualityLow
		default:
			return report.Content{}, "", fail(v2.Code, errors.New(v2.Reason))
		}
	}

	return finalize(raw, e.now()), quality, nil
}

// generate runs the generator under the executor's timeout. The call runs on
// its own goroutine so a generator that ignores its context still cannot hold
// the job past the deadline; its late result is dropped.
func (e *Executor) generate(ctx context.Context, gen Generator, t report.Type, in report.Input, sessionKey string) (RawContent, error) {
	gctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type result struct {
		raw RawContent
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("generator panic: %v", r)}
			}
		}()
		raw, err := gen.Generate(gctx, t, in, sessionKey)
		done <- result{raw: raw, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return RawContent{}, fmt.Errorf("%w: %v", errGenerationTimeout, res.err)
		}
		return res.raw, res.err
	case <-gctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return RawContent{}, ctx.Err()
		}
		return RawContent{}, fmt.Errorf("%w after %s", errGenerationTimeout, e.opts.Timeout)
	}
}

func finalize(raw RawContent, now time.Time) report.Content {
	c := report.Content{
		Title:       raw.Title,
		Summary:     raw.Summary,
		GeneratedAt: now,
	}
	for _, s := range raw.Sections {
		if s.ID == "" {
			s.ID = slug(s.Title)
		}
		c.Sections = append(c.Sections, s)
	}
	return c
}

// terminal writes must land even when the run's context is already done.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (e *Executor) finishCompleted(ctx context.Context, log *zap.Logger, job *report.Job, content report.Content, quality report.Quality) Outcome {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	applied, err := e.store.MarkCompleted(wctx, job.IdempotencyKey, job.ReportID, content, quality)
	if err != nil {
		// row stays processing; the sweep re-drives it
		log.Error("mark completed failed", zap.Error(err))
		return Outcome{Status: report.StatusProcessing, Err: err}
	}
	out := Outcome{Status: report.StatusCompleted, Quality: quality, Applied: applied}
	if !applied {
		return out
	}
	e.metrics.Completed(string(job.ReportType), string(quality))

	spec, _ := report.Lookup(job.ReportType)
	if job.PaymentIntentID == nil || !spec.Paid {
		return out
	}
	if quality == report.QualityHigh {
		err := e.payments.Capture(wctx, *job.PaymentIntentID)
		e.metrics.Payment("capture", err)
		if err != nil {
			// a delivered report is not retracted over a billing error
			log.Error("payment capture failed", zap.String("payment_intent_id", *job.PaymentIntentID), zap.Error(err))
		}
		return out
	}
	err = e.payments.Cancel(wctx, *job.PaymentIntentID, "degraded_quality")
	e.metrics.Payment("cancel", err)
	if err != nil {
		log.Error("payment cancel failed", zap.String("payment_intent_id", *job.PaymentIntentID), zap.Error(err))
	}
	return out
}

func (e *Executor) finishFailed(ctx context.Context, log *zap.Logger, job *report.Job, f *Failure) Outcome {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	msg := f.Err.Error()
	applied, err := e.store.MarkFailed(wctx, job.IdempotencyKey, job.ReportID, f.Code, msg)
	if err != nil {
		log.Error("mark failed failed", zap.String("error_code", string(f.Code)), zap.Error(err))
		return Outcome{Status: report.StatusProcessing, Code: f.Code, Message: msg, Err: err}
	}
	out := Outcome{Status: report.StatusFailed, Code: f.Code, Message: msg, Applied: applied}
	if !applied {
		return out
	}
	log.Warn("report failed", zap.String("error_code", string(f.Code)), zap.String("error", msg))
	e.metrics.Failed(string(job.ReportType), string(f.Code))

	if job.PaymentIntentID != nil {
		err := e.payments.Cancel(wctx, *job.PaymentIntentID, string(f.Code))
		e.metrics.Payment("cancel", err)
		if err != nil {
			log.Error("payment cancel failed", zap.String("payment_intent_id", *job.PaymentIntentID), zap.Error(err))
		}
	}
	return out
}
