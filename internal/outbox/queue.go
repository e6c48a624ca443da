// Package outbox implements the outbox queue (spec §4.12): best-effort,
// non-critical background side effects (notifications, webhooks to other
// services, analytics events). Money events are never routed through here
// — they go straight through MoneyStateMachine.Handle.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// maxRetries bounds how many times a job is retried before it is left
// failed for operator attention.
const maxRetries = 5

// Queue is the outbox's durable job store.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Queue.
func New(db *gorm.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue durably records a job for later asynchronous processing.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	job := store.OutboxJob{
		ID: idgen.NewUUID(), JobType: jobType, Payload: store.JSON(data),
		Status: store.OutboxPending, CreatedAt: q.now(),
	}
	return q.db.WithContext(ctx).Create(&job).Error
}

// EnqueueTx is Enqueue against a caller-supplied transaction, for callers
// that want the job enqueued atomically with the write that produced it.
func (q *Queue) EnqueueTx(tx *gorm.DB, jobType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	job := store.OutboxJob{
		ID: idgen.NewUUID(), JobType: jobType, Payload: store.JSON(data),
		Status: store.OutboxPending, CreatedAt: q.now(),
	}
	return tx.Create(&job).Error
}

// claimBatch atomically claims up to batchSize pending (or retry-ready
// failed) jobs by flipping them to running, oldest first.
func (q *Queue) claimBatch(ctx context.Context, batchSize int) ([]store.OutboxJob, error) {
	var claimed []store.OutboxJob
	err := store.WithSerializable(ctx, q.db, func(tx *gorm.DB) error {
		var candidates []store.OutboxJob
		err := tx.WithContext(ctx).
			Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", store.OutboxPending, q.now()).
			Order("created_at ASC").
			Limit(batchSize).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("outbox: load candidates: %w", err)
		}
		for _, job := range candidates {
			if err := tx.Model(&store.OutboxJob{}).Where("id = ?", job.ID).Update("status", store.OutboxRunning).Error; err != nil {
				return fmt.Errorf("outbox: claim job %s: %w", job.ID, err)
			}
			job.Status = store.OutboxRunning
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) markCompleted(ctx context.Context, id uuid.UUID) error {
	return q.db.WithContext(ctx).Model(&store.OutboxJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       store.OutboxCompleted,
		"completed_at": q.now(),
	}).Error
}

func (q *Queue) markRetryOrFailed(ctx context.Context, job store.OutboxJob, cause error) error {
	retryCount := job.RetryCount + 1
	if retryCount > maxRetries {
		return q.db.WithContext(ctx).Model(&store.OutboxJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":      store.OutboxFailed,
			"retry_count": retryCount,
			"last_error":  cause.Error(),
		}).Error
	}
	backoff := time.Duration(retryCount*retryCount) * time.Second
	next := q.now().Add(backoff)
	return q.db.WithContext(ctx).Model(&store.OutboxJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":        store.OutboxPending,
		"retry_count":   retryCount,
		"next_retry_at": &next,
		"last_error":    cause.Error(),
	}).Error
}

var errUnknownJobType = errors.New("outbox: no handler registered for job type")
