package report

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/astro-report/internal/metrics"
	"go.uber.org/zap"
)

// PaymentVerifier resolves a payment token to the intent it authorizes.
type PaymentVerifier interface {
	Verify(token, reportType string) (intentID string, err error)
}

// Launcher hands a newly created job to whatever runs it. A non-nil channel
// closes once the run has finished in this process.
type Launcher interface {
	Launch(ctx context.Context, job *Job) (<-chan struct{}, error)
}

type StartRequest struct {
	UserID     uint64
	ReportType Type
	Input      Input
	// IdempotencyKey is the optional client key (the controller's attempt id).
	IdempotencyKey string
	PaymentToken   string
}

type ServiceOptions struct {
	PaymentRequired bool
	// InlineBudget is how long Start waits for a local run before returning
	// the job as processing.
	InlineBudget time.Duration
}

type Service struct {
	store    *Store
	launcher Launcher
	payments PaymentVerifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	opts     ServiceOptions
}

func NewService(store *Store, launcher Launcher, payments PaymentVerifier, m *metrics.Metrics, log *zap.Logger, opts ServiceOptions) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, launcher: launcher, payments: payments, metrics: m, log: log, opts: opts}
}

// Start creates the job for a request, or returns the existing one when the
// same request was already started. Only a newly created job is launched.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Job, bool, error) {
	if err := ValidateInput(req.ReportType, req.Input); err != nil {
		return nil, false, err
	}
	if len(req.IdempotencyKey) > MaxClientKeyLen {
		return nil, false, fmt.Errorf("%w: idempotency key longer than %d", ErrInvalidInput, MaxClientKeyLen)
	}

	intentID, err := s.authorize(req)
	if err != nil {
		return nil, false, err
	}

	job, created, err := s.store.CreateProcessing(ctx, NewJob{
		IdempotencyKey:  DeriveKey(req.UserID, req.ReportType, req.Input, req.IdempotencyKey),
		UserID:          req.UserID,
		ReportType:      req.ReportType,
		Input:           req.Input,
		PaymentIntentID: intentID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create report: %w", err)
	}

	log := s.log.With(zap.String("report_id", job.ReportID), zap.String("report_type", string(job.ReportType)))
	if !created {
		log.Info("start replayed onto existing report",
			zap.String("event", "report_start_replayed"),
			zap.String("status", string(job.Status)))
		return job, false, nil
	}

	s.metrics.Started(string(job.ReportType))
	log.Info("report started", zap.String("event", "report_started"))

	done, err := s.launcher.Launch(ctx, job)
	if err != nil {
		// the row stays processing and the sweep picks it up
		log.Error("launch report failed", zap.Error(err))
		return job, true, nil
	}
	if done == nil || s.opts.InlineBudget <= 0 {
		return job, true, nil
	}

	timer := time.NewTimer(s.opts.InlineBudget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if fresh, err := s.store.GetByReportID(rctx, job.ReportID); err == nil {
		job = fresh
	}
	return job, true, nil
}

func (s *Service) authorize(req StartRequest) (string, error) {
	spec, _ := Lookup(req.ReportType)
	if !spec.Paid || !s.opts.PaymentRequired {
		return "", nil
	}
	if req.PaymentToken == "" || s.payments == nil {
		return "", ErrPaymentRequired
	}
	intentID, err := s.payments.Verify(req.PaymentToken, string(req.ReportType))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentRequired, err)
	}
	return intentID, nil
}

// Get returns a job owned by userID. Other users' jobs read as not found.
func (s *Service) Get(ctx context.Context, userID uint64, reportID string) (*Job, error) {
	job, err := s.store.GetByReportID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}
