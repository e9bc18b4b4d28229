package dispatch

import (
	"context"

	"github.com/suPer8Hu/astro-report/internal/report"
)

// Publisher enqueues a report id for a worker process.
type Publisher interface {
	PublishReport(ctx context.Context, reportID string) error
}

// QueueLauncher hands new jobs to the broker instead of running them here.
type QueueLauncher struct {
	pub Publisher
}

func NewQueueLauncher(pub Publisher) *QueueLauncher {
	return &QueueLauncher{pub: pub}
}

// Launch publishes the job. There is nothing to wait on locally, so the
// returned channel is nil.
func (q *QueueLauncher) Launch(ctx context.Context, job *report.Job) (<-chan struct{}, error) {
	return nil, q.pub.PublishReport(ctx, job.ReportID)
}
