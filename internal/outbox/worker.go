package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// Handler processes one outbox job's payload. A non-nil error schedules a
// retry with exponential backoff, up to maxRetries.
type Handler func(ctx context.Context, payload store.JSON) error

// Worker polls the Queue for claimable jobs and dispatches them to
// registered handlers (spec §4.12).
type Worker struct {
	queue     *Queue
	batchSize int
	handlers  map[string]Handler
	metrics   *observability.LedgerMetrics
}

// NewWorker constructs a Worker around queue, processing up to batchSize
// jobs per poll.
func NewWorker(queue *Queue, batchSize int) *Worker {
	return &Worker{queue: queue, batchSize: batchSize, handlers: map[string]Handler{}, metrics: observability.Metrics()}
}

// Register binds a handler to a job type. Must be called before Run.
func (w *Worker) Register(jobType string, handler Handler) {
	w.handlers[jobType] = handler
}

// Run polls for claimable jobs every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	jobs, err := w.queue.claimBatch(ctx, w.batchSize)
	if err != nil {
		slog.ErrorContext(ctx, "outbox: claim batch failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job store.OutboxJob) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		if err := w.queue.markRetryOrFailed(ctx, job, fmt.Errorf("%w: %s", errUnknownJobType, job.JobType)); err != nil {
			slog.ErrorContext(ctx, "outbox: mark unknown-type job failed", slog.String("job_id", job.ID.String()), slog.String("error", err.Error()))
		}
		w.metrics.RecordOutboxJob(string(store.OutboxFailed))
		return
	}
	err := handler(ctx, job.Payload)
	if err != nil {
		slog.WarnContext(ctx, "outbox job handler failed", slog.String("job_id", job.ID.String()), slog.String("job_type", job.JobType), slog.String("error", err.Error()))
		if markErr := w.queue.markRetryOrFailed(ctx, job, err); markErr != nil {
			slog.ErrorContext(ctx, "outbox: mark retry/failed failed", slog.String("job_id", job.ID.String()), slog.String("error", markErr.Error()))
		}
		w.metrics.RecordOutboxJob(string(store.OutboxFailed))
		return
	}
	if err := w.queue.markCompleted(ctx, job.ID); err != nil {
		slog.ErrorContext(ctx, "outbox: mark completed failed", slog.String("job_id", job.ID.String()), slog.String("error", err.Error()))
		return
	}
	w.metrics.RecordOutboxJob(string(store.OutboxCompleted))
}
