// Package dispatch runs report jobs outside the request that created them:
// detached inline runs, direct worker invocations by report id, and sweeps
// that recover jobs a crashed process left in processing.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/suPer8Hu/astro-report/internal/generation"
	"github.com/suPer8Hu/astro-report/internal/metrics"
	"github.com/suPer8Hu/astro-report/internal/report"
	"go.uber.org/zap"
)

// Store is the part of the job store the dispatcher reads and heartbeats.
type Store interface {
	GetByReportID(ctx context.Context, reportID string) (*report.Job, error)
	Heartbeat(ctx context.Context, key, reportID string) (bool, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]report.Job, error)
	ClaimStale(ctx context.Context, reportID string, olderThan time.Duration) (bool, error)
}

// Runner drives a job to a terminal state. *generation.Executor implements it.
type Runner interface {
	Run(ctx context.Context, job *report.Job) generation.Outcome
	Fail(ctx context.Context, job *report.Job, code report.ErrorCode, reason string) generation.Outcome
}

type Options struct {
	HeartbeatInterval time.Duration
	// StaleAfter is how long a processing job may go without a heartbeat
	// before a sweep picks it up.
	StaleAfter time.Duration
	// MaxAge past created_at after which a sweep fails the job instead of
	// re-running it.
	MaxAge time.Duration
	Batch  int
	// Concurrency caps how many swept jobs run at once.
	Concurrency int
}

type Dispatcher struct {
	store   Store
	runner  Runner
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options
	now     func() time.Time

	// base outlives any request; Close cancels it.
	base   context.Context
	cancel context.CancelFunc

	// wg counts spawned runs and sweeps; closing stops new ones joining it.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

var ErrClosed = errors.New("dispatcher closed")

func New(store Store, runner Runner, m *metrics.Metrics, log *zap.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 18 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 45 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   store,
		runner:  runner,
		metrics: m,
		log:     log,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		base:    base,
		cancel:  cancel,
	}
}

// Execute runs job with a heartbeat ticking for as long as the run lasts.
func (d *Dispatcher) Execute(ctx context.Context, job *report.Job) generation.Outcome {
	stop := d.startHeartbeat(ctx, job)
	defer stop()
	return d.runner.Run(ctx, job)
}

// RunResult is what a direct worker invocation reports back.
type RunResult struct {
	ReportID string        `json:"reportId"`
	Status   report.Status `json:"status"`
	Ran      bool          `json:"ran"`
}

// RunReport is the direct worker entry point. A job that is already terminal
// is returned as is; otherwise it is run here. Overlapping calls for the same
// id are safe: only one terminal write can land.
func (d *Dispatcher) RunReport(ctx context.Context, reportID string) (RunResult, error) {
	job, err := d.store.GetByReportID(ctx, reportID)
	if err != nil {
		return RunResult{}, err
	}
	if job.Status.Terminal() {
		d.log.Info("worker run skipped",
			zap.String("event", "worker_noop"),
			zap.String("report_id", reportID),
			zap.String("status", string(job.Status)))
		return RunResult{ReportID: reportID, Status: job.Status}, nil
	}

	out := d.Execute(ctx, job)
	return RunResult{ReportID: reportID, Status: out.Status, Ran: true}, out.Err
}

// Launch runs a freshly created job in the background. The returned channel
// closes when the run ends.
func (d *Dispatcher) Launch(_ context.Context, job *report.Job) (<-chan struct{}, error) {
	return d.Spawn(job), nil
}

func (d *Dispatcher) Spawn(job *report.Job) <-chan struct{} {
	done := make(chan struct{})
	if !d.hold() {
		d.log.Warn("dispatcher closing, report left for the sweep", zap.String("report_id", job.ReportID))
		close(done)
		return done
	}
	go func() {
		defer d.wg.Done()
		defer close(done)
		d.Execute(d.base, job)
	}()
	return done
}

// hold adds one background run to wg. It reports false once Close has begun.
func (d *Dispatcher) hold() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.wg.Add(1)
	return true
}

// Close waits for background runs and sweeps until ctx is done, then cancels
// whatever is still running. Cancelled runs stay processing for the next sweep.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.log.Warn("cancelling in-flight report runs", zap.Error(ctx.Err()))
		d.cancel()
		<-idle
		return ctx.Err()
	}
}

func (d *Dispatcher) startHeartbeat(ctx context.Context, job *report.Job) func() {
	t := time.NewTicker(d.opts.HeartbeatInterval)
	quit := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-t.C:
				alive, err := d.store.Heartbeat(ctx, job.IdempotencyKey, job.ReportID)
				if err != nil {
					d.log.Warn("heartbeat failed", zap.String("report_id", job.ReportID), zap.Error(err))
					continue
				}
				if !alive {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-stopped
	}
}
