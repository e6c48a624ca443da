// Package reaper implements the Reaper/Sweepers (spec §4.10): background
// jobs that finish or fail work the MoneyStateMachine left stuck, and
// deterministically resolve escrows a task's actors never acted on.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/ledger"
	"github.com/Sebdysart/hustlexp-ledger/internal/money"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/internal/task"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// stuckAfter is how long a ledger transaction may sit in pending/executing
// before the PendingTransactionReaper picks it up (spec §4.10).
const stuckAfter = 5 * time.Minute

// escrowTimeout is how long money may sit held before the
// EscrowTimeoutSweeper forces a resolution (spec §4.10).
const escrowTimeout = 48 * time.Hour

const ledgerKeySuffix = "_ledger"

// Reaper bundles the two sweepers spec §4.10 describes. Both are driven off
// the same ticker; each run is independent and safe to skip if the prior
// one is still in flight given the ticker interval.
type Reaper struct {
	db      *gorm.DB
	ledger  *ledger.Engine
	money   *money.Engine
	tasks   *task.Machine
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// New constructs a Reaper.
func New(db *gorm.DB, ledgerEngine *ledger.Engine, moneyEngine *money.Engine, tasks *task.Machine) *Reaper {
	return &Reaper{db: db, ledger: ledgerEngine, money: moneyEngine, tasks: tasks, metrics: observability.Metrics(), now: time.Now}
}

// RunLoop runs both sweepers on every tick until ctx is cancelled.
func (r *Reaper) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepPendingTransactions(ctx)
			r.sweepEscrowTimeouts(ctx)
		}
	}
}

// sweepPendingTransactions implements the PendingTransactionReaper: ledger
// transactions stuck in pending/executing past stuckAfter are resumed if
// their PSP call durably succeeded (a mirror row exists), or failed
// otherwise (spec §4.10, §4.3 split-brain recovery).
func (r *Reaper) sweepPendingTransactions(ctx context.Context) {
	cutoff := r.now().Add(-stuckAfter)
	var stuck []store.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []store.LedgerTxStatus{store.TxPending, store.TxExecuting}, cutoff).
		Find(&stuck).Error
	if err != nil {
		slog.ErrorContext(ctx, "reaper: load stuck ledger transactions failed", slog.String("error", err.Error()))
		return
	}
	for _, txn := range stuck {
		r.resumeOrFail(ctx, txn)
	}
}

func (r *Reaper) resumeOrFail(ctx context.Context, txn store.LedgerTransaction) {
	if txn.IdempotencyKey == nil {
		r.markFailed(ctx, txn.ID, "no idempotency key recorded")
		return
	}
	eventID := strings.TrimSuffix(*txn.IdempotencyKey, ledgerKeySuffix)

	var mirrorCount int64
	if err := r.db.WithContext(ctx).Model(&store.PSPOutboundLog{}).
		Where("idempotency_key = ?", eventID).Count(&mirrorCount).Error; err != nil {
		slog.ErrorContext(ctx, "reaper: mirror lookup failed", slog.String("transaction_id", txn.ID), slog.String("error", err.Error()))
		return
	}
	if mirrorCount == 0 {
		r.markFailed(ctx, txn.ID, "no psp mirror found before timeout")
		return
	}
	if err := r.ledger.Commit(ctx, txn.ID); err != nil && !errors.Is(err, ledger.ErrAlreadyCommitted) {
		slog.ErrorContext(ctx, "reaper: resume commit failed", slog.String("transaction_id", txn.ID), slog.String("error", err.Error()))
		r.metrics.RecordSweep("pending_transaction", "resume_failed")
		return
	}
	r.metrics.RecordSweep("pending_transaction", "resumed")
	slog.InfoContext(ctx, "reaper resumed stuck ledger transaction", slog.String("transaction_id", txn.ID))
}

func (r *Reaper) markFailed(ctx context.Context, ulid, reason string) {
	err := r.db.WithContext(ctx).Model(&store.LedgerTransaction{}).Where("id = ?", ulid).
		Update("status", store.TxFailed).Error
	if err != nil {
		slog.ErrorContext(ctx, "reaper: mark transaction failed failed", slog.String("transaction_id", ulid), slog.String("error", err.Error()))
		r.metrics.RecordSweep("pending_transaction", "mark_failed_error")
		return
	}
	r.metrics.RecordSweep("pending_transaction", "failed")
	slog.WarnContext(ctx, "reaper failed stuck ledger transaction", slog.String("transaction_id", ulid), slog.String("reason", reason))
}

// sweepEscrowTimeouts implements the EscrowTimeoutSweeper: escrows held
// past escrowTimeout are resolved deterministically — auto-release when the
// task completed cleanly with an accepted proof and no active dispute,
// auto-refund otherwise (spec §4.10).
func (r *Reaper) sweepEscrowTimeouts(ctx context.Context) {
	cutoff := r.now().Add(-escrowTimeout)
	var locks []store.MoneyStateLock
	err := r.db.WithContext(ctx).
		Where("current_state = ? AND updated_at < ?", store.MoneyHeld, cutoff).
		Find(&locks).Error
	if err != nil {
		slog.ErrorContext(ctx, "reaper: load timed-out escrows failed", slog.String("error", err.Error()))
		return
	}
	for _, lock := range locks {
		r.resolveTimeout(ctx, lock)
	}
}

func (r *Reaper) resolveTimeout(ctx context.Context, lock store.MoneyStateLock) {
	var t store.Task
	if err := r.db.WithContext(ctx).Where("id = ?", lock.TaskID).First(&t).Error; err != nil {
		slog.ErrorContext(ctx, "reaper: load task for timeout sweep failed", slog.String("task_id", lock.TaskID.String()), slog.String("error", err.Error()))
		return
	}

	var activeDispute int64
	if err := r.db.WithContext(ctx).Model(&store.Dispute{}).
		Where("task_id = ? AND status != ?", lock.TaskID, store.DisputeResolved).Count(&activeDispute).Error; err != nil {
		slog.ErrorContext(ctx, "reaper: active dispute lookup failed", slog.String("task_id", lock.TaskID.String()), slog.String("error", err.Error()))
		return
	}

	proofStatus, err := r.proofStatusOutsideTx(ctx, lock.TaskID)
	if err != nil {
		slog.ErrorContext(ctx, "reaper: proof status lookup failed", slog.String("task_id", lock.TaskID.String()), slog.String("error", err.Error()))
		return
	}

	release := activeDispute == 0 && t.Status == store.TaskCompleted &&
		(proofStatus == store.ProofAccepted || proofStatus == store.ProofNone)

	eventType := money.RefundEscrow
	if release {
		eventType = money.ReleasePayout
	}
	eventID := idgen.NewULID()
	evCtx := map[string]interface{}{"reason": "escrow_timeout_sweep", "timeout_key": fmt.Sprintf("timeout:%s", lock.TaskID)}
	if release && t.HustlerID != nil {
		evCtx["destination"] = t.HustlerID.String()
	}

	// Not a Resume: this is a brand-new RELEASE_PAYOUT/REFUND_ESCROW event the
	// sweeper is initiating, not finalization of in-flight work, so it is
	// subject to the normal kill-switch check like any other new operation.
	_, err = r.money.Handle(ctx, money.Event{ID: eventID, Type: eventType, TaskID: lock.TaskID, Context: evCtx})
	outcome := "auto_refund"
	if release {
		outcome = "auto_release"
	}
	if err != nil {
		slog.ErrorContext(ctx, "reaper: escrow timeout resolution failed",
			slog.String("task_id", lock.TaskID.String()), slog.String("outcome", outcome), slog.String("error", err.Error()))
		r.metrics.RecordSweep("escrow_timeout", outcome+"_failed")
		return
	}
	r.metrics.RecordSweep("escrow_timeout", outcome)
	slog.WarnContext(ctx, "reaper resolved timed-out escrow", slog.String("task_id", lock.TaskID.String()), slog.String("outcome", outcome))
}

// proofStatusOutsideTx mirrors task.LatestProofStatus for a read that does
// not need the caller's transaction (the sweeper runs outside of any open
// money transaction).
func (r *Reaper) proofStatusOutsideTx(ctx context.Context, taskID uuid.UUID) (store.ProofStatus, error) {
	var proof store.Proof
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at DESC").First(&proof).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ProofNone, nil
	}
	if err != nil {
		return "", fmt.Errorf("load latest proof: %w", err)
	}
	return proof.Status, nil
}
