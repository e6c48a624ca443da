package outbox

import (
	"context"
	"log/slog"
	"time"
)

// completedRetention is how long a completed outbox job is kept for
// operator inspection before being pruned.
const completedRetention = 7 * 24 * time.Hour

// cleanupBatchSize bounds each prune statement the same way the reference
// idempotency-key cleanup worker bounds its own deletes.
const cleanupBatchSize = 500

// RunCleanupLoop prunes completed jobs older than completedRetention every
// interval until ctx is cancelled, mirroring the periodic idempotency-key
// cleanup worker this queue is grounded on.
func (q *Queue) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				deleted, err := q.cleanupCompleted(ctx, cleanupBatchSize)
				if err != nil {
					slog.ErrorContext(ctx, "outbox cleanup failed", slog.String("error", err.Error()))
					break
				}
				if deleted == 0 {
					break
				}
				slog.InfoContext(ctx, "outbox cleanup removed completed jobs", slog.Int64("deleted", deleted))
			}
		}
	}
}

// cleanupCompleted deletes up to limit completed jobs older than the
// retention window, returning the number removed.
func (q *Queue) cleanupCompleted(ctx context.Context, limit int) (int64, error) {
	cutoff := q.now().Add(-completedRetention)
	tx := q.db.WithContext(ctx).Exec(`
		DELETE FROM outbox_jobs WHERE id IN (
			SELECT id FROM outbox_jobs
			WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?
			LIMIT ?
		)`, "completed", cutoff, limit)
	if tx.Error != nil {
		return 0, tx.Error
	}
	return tx.RowsAffected, nil
}
