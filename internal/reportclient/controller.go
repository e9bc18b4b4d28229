package reportclient

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/astro-report/internal/report"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseVerifying  Phase = "verifying"
	PhaseGenerating Phase = "generating"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

type FailureKind string

const (
	// FailureGeneric covers network errors, 5xx and running out of time.
	FailureGeneric FailureKind = "generic"
	// FailureStructured carries an error code from the backend.
	FailureStructured FailureKind = "structured"
)

type Failure struct {
	Kind      FailureKind
	Code      string
	Message   string
	Retryable bool
}

// State is a point-in-time view of the controller.
type State struct {
	Phase     Phase
	AttemptID string
	ReportID  string
	Elapsed   time.Duration
	Content   *report.Content
	Quality   report.Quality
	Failure   *Failure
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// API is the server surface the controller talks to. *Client implements it.
type API interface {
	Start(ctx context.Context, req StartRequest) (ReportStatus, error)
	Poll(ctx context.Context, reportID string) (ReportStatus, error)
	VerifyPayment(ctx context.Context, paymentToken string, t report.Type) (string, error)
}

type Options struct {
	ReportType report.Type
	Input      report.Input
	// PaymentToken, when set, is verified before the report is started.
	PaymentToken string
	// AutoStart makes Mount start an attempt.
	AutoStart bool

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// Backoff multiplies the interval after a poll that brought nothing new.
	Backoff float64
	// Bound is the longest an attempt may take before it is shown as failed.
	// Zero uses the report type's bound.
	Bound time.Duration

	Clock        Clock
	NewAttemptID func() string

	// OnUpdate receives state changes in order, one at a time. It may read
	// the controller but must not call Start or Retry.
	OnUpdate func(State)
}

// Controller drives one logical report request. Each Start or Retry is an
// attempt with its own id, context and timer baseline; a generation counter
// discards anything a superseded attempt tries to write.
type Controller struct {
	api  API
	opts Options

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	phase     Phase
	attemptID string
	reportID  string
	startedAt time.Time
	endedAt   time.Time
	content   *report.Content
	quality   report.Quality
	failure   *Failure
	closed    bool
	seq       uint64

	// notifyMu serializes OnUpdate; delivered is the last seq handed out.
	notifyMu  sync.Mutex
	delivered uint64

	wg sync.WaitGroup
}

var ErrClosed = errors.New("report controller closed")

func New(api API, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = 2 * time.Second
		if opts.MaxPollInterval < opts.PollInterval {
			opts.MaxPollInterval = opts.PollInterval
		}
	}
	if opts.Backoff < 1 {
		opts.Backoff = 1.25
	}
	if opts.Bound <= 0 {
		opts.Bound = 120 * time.Second
		if spec, ok := report.Lookup(opts.ReportType); ok && spec.ClientBound > 0 {
			opts.Bound = spec.ClientBound
		}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.NewAttemptID == nil {
		opts.NewAttemptID = uuid.NewString
	}
	return &Controller{api: api, opts: opts, phase: PhaseIdle}
}

// Mount starts an attempt when AutoStart is set. Mounting again, or mounting
// a controller that already has an attempt, does nothing.
func (c *Controller) Mount(ctx context.Context) error {
	if !c.opts.AutoStart {
		return nil
	}
	return c.Start(ctx)
}

// Start begins the first attempt. It is single flight: once an attempt
// exists, further calls are no-ops until Retry.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	c.beginLocked(ctx)
	c.unlockAndNotify()
	return nil
}

// Retry abandons the current attempt and starts a new one with a fresh
// attempt id and timer baseline.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.beginLocked(ctx)
	c.unlockAndNotify()
	return nil
}

// Close stops the current attempt and waits for its loop to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) beginLocked(parent context.Context) {
	// invalidate the previous attempt before anything new is issued
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	gen := c.gen
	attemptID := c.opts.NewAttemptID()
	c.attemptID = attemptID
	c.reportID = ""
	c.content = nil
	c.quality = ""
	c.failure = nil
	c.startedAt = c.opts.Clock.Now()
	c.endedAt = time.Time{}
	c.phase = PhaseGenerating
	if c.opts.PaymentToken != "" {
		c.phase = PhaseVerifying
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, gen, attemptID)
	}()
}

// Elapsed is the time since the attempt began, frozen once it is terminal.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

func (c *Controller) elapsedLocked() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = c.opts.Clock.Now()
	}
	if d := end.Sub(c.startedAt); d > 0 {
		return d
	}
	return 0
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	s := State{
		Phase:     c.phase,
		AttemptID: c.attemptID,
		ReportID:  c.reportID,
		Elapsed:   c.elapsedLocked(),
		Content:   c.content,
		Quality:   c.quality,
	}
	if c.failure != nil {
		f := *c.failure
		s.Failure = &f
	}
	return s
}

// unlockAndNotify releases mu and hands the new state to OnUpdate. A state
// that was overtaken by a newer one before delivery is skipped.
func (c *Controller) unlockAndNotify() {
	if c.opts.OnUpdate == nil {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq, s := c.seq, c.snapshotLocked()
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.delivered = seq
	c.opts.OnUpdate(s)
}

// update applies fn if gen is still the current attempt.
func (c *Controller) update(gen uint64, fn func()) bool {
	c.mu.Lock()
	if gen != c.gen || c.phase.Terminal() {
		c.mu.Unlock()
		return false
	}
	fn()
	c.unlockAndNotify()
	return true
}

func (c *Controller) fail(gen uint64, f Failure) {
	f.Retryable = true
	c.update(gen, func() {
		c.phase = PhaseFailed
		c.failure = &f
		c.endedAt = c.opts.Clock.Now()
	})
}

func (c *Controller) run(parent context.Context, gen uint64, attemptID string) {
	// the bound also cancels whatever call is in flight
	ctx, stop := context.WithCancel(parent)
	defer stop()
	bound := c.opts.Clock.After(c.opts.Bound)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-bound:
			c.fail(gen, Failure{Kind: FailureGeneric, Message: "report is taking longer than expected"})
			stop()
		}
	}()

	if c.opts.PaymentToken != "" {
		if _, err := c.api.VerifyPayment(ctx, c.opts.PaymentToken, c.opts.ReportType); err != nil {
			if ctx.Err() == nil {
				c.fail(gen, classify(err))
			}
			return
		}
		if !c.update(gen, func() { c.phase = PhaseGenerating }) {
			return
		}
	}

	st, err := c.api.Start(ctx, StartRequest{
		ReportType:   c.opts.ReportType,
		Input:        c.opts.Input,
		PaymentToken: c.opts.PaymentToken,
		AttemptID:    attemptID,
	})
	if err != nil {
		if ctx.Err() == nil {
			c.fail(gen, classify(err))
		}
		return
	}
	if ctx.Err() != nil || !c.observe(gen, st) || st.Terminal() {
		return
	}

	reportID := st.ReportID
	interval := c.opts.PollInterval
	last := st.Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(interval):
		}

		st, err := c.api.Poll(ctx, reportID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, ErrTransient) {
				c.fail(gen, classify(err))
				return
			}
			interval = c.nextInterval(interval)
			continue
		}
		if st.ReportID != "" && st.ReportID != reportID {
			// ignore answers about another report
			interval = c.nextInterval(interval)
			continue
		}
		if !c.observe(gen, st) || st.Terminal() {
			return
		}
		if st.Status == last {
			interval = c.nextInterval(interval)
		} else {
			interval = c.opts.PollInterval
		}
		last = st.Status
	}
}

func (c *Controller) nextInterval(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * c.opts.Backoff)
	if next > c.opts.MaxPollInterval {
		return c.opts.MaxPollInterval
	}
	return next
}

// observe applies a server status to the attempt. It returns false when the
// attempt has been superseded.
func (c *Controller) observe(gen uint64, st ReportStatus) bool {
	return c.update(gen, func() {
		if c.reportID == "" {
			c.reportID = st.ReportID
		}
		switch st.Status {
		case report.StatusCompleted:
			c.phase = PhaseCompleted
			c.content = st.Content
			c.quality = st.Quality
			c.endedAt = c.opts.Clock.Now()
		case report.StatusFailed:
			f := Failure{Kind: FailureStructured, Retryable: true}
			if st.Error != nil {
				f.Code = st.Error.Code
				f.Message = st.Error.Message
			}
			c.phase = PhaseFailed
			c.failure = &f
			c.endedAt = c.opts.Clock.Now()
		}
	})
}

func classify(err error) Failure {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatus < 500 {
		return Failure{
			Kind:    FailureStructured,
			Code:    strconv.Itoa(apiErr.Code),
			Message: apiErr.Message,
		}
	}
	return Failure{Kind: FailureGeneric, Message: "something went wrong, please retry"}
}
