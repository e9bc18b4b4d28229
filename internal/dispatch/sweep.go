package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suPer8Hu/astro-report/internal/report"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SweepResult struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
}

type sweepOutcome int

const (
	sweptSkipped sweepOutcome = iota
	sweptCompleted
	sweptFailed
	sweptExpired
)

func (r *SweepResult) add(o sweepOutcome) {
	switch o {
	case sweptCompleted:
		r.Completed++
	case sweptFailed:
		r.Failed++
	case sweptExpired:
		r.Expired++
	default:
		r.Skipped++
	}
}

// Sweep recovers up to Batch processing jobs that stopped heartbeating. Jobs
// past MaxAge are failed with GENERATION_TIMEOUT; the rest are claimed and
// re-run. Concurrent sweeps claim each job at most once. Close waits for a
// sweep in progress and cancels its runs along with the spawned ones.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	if !d.hold() {
		return SweepResult{}, ErrClosed
	}
	defer d.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.base, cancel)
	defer stop()

	jobs, err := d.store.ListStaleProcessing(ctx, d.opts.StaleAfter, d.opts.Batch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale reports: %w", err)
	}

	res := SweepResult{Scanned: len(jobs)}
	if len(jobs) == 0 {
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.opts.Concurrency)
	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			o := d.sweepOne(ctx, job)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info("sweep finished",
		zap.String("event", "sweep_finished"),
		zap.Int("scanned", res.Scanned),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("expired", res.Expired),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (d *Dispatcher) sweepOne(ctx context.Context, job *report.Job) sweepOutcome {
	log := d.log.With(zap.String("report_id", job.ReportID), zap.String("report_type", string(job.ReportType)))

	if d.opts.MaxAge > 0 {
		if age := d.now().Sub(job.CreatedAt); age > d.opts.MaxAge {
			out := d.runner.Fail(ctx, job, report.CodeGenerationTimeout,
				fmt.Sprintf("report still processing after %s", age.Truncate(time.Second)))
			if out.Applied {
				log.Warn("expired stale report", zap.String("event", "report_expired"), zap.Duration("age", age))
				return sweptExpired
			}
			return sweptSkipped
		}
	}

	claimed, err := d.store.ClaimStale(ctx, job.ReportID, d.opts.StaleAfter)
	if err != nil {
		log.Error("claim stale report failed", zap.Error(err))
		return sweptSkipped
	}
	if !claimed {
		return sweptSkipped
	}

	d.metrics.Recovered()
	log.Info("re-running stale report", zap.String("event", "report_recovered"))

	out := d.Execute(ctx, job)
	switch {
	case !out.Applied:
		return sweptSkipped
	case out.Status == report.StatusCompleted:
		return sweptCompleted
	case out.Status == report.StatusFailed:
		return sweptFailed
	default:
		return sweptSkipped
	}
}

// RunSweeper sweeps every interval until ctx is done.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	d.log.Info("sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("sweeper stopped")
			return
		case <-t.C:
			_, err := d.Sweep(ctx)
			if errors.Is(err, ErrClosed) {
				d.log.Info("sweeper stopped")
				return
			}
			if err != nil {
				d.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
