package money_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/money"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

var errTransferDown = errors.New("psp: transfer endpoint unreachable")

// TestHoldReleaseXP covers spec §8 scenario 1: a $50.00 task held then
// released nets the hustler 4400 cents after a 12% fee, awards 50 XP, and
// a replay of the release event is a no-op.
func TestHoldReleaseXP(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	pspFake := &fakePSP{}
	engine, _ := newTestEngine(t, db, pspFake)
	tsk, _, hustlerID := seedTask(t, db, 5000)

	holdResult, err := engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.HoldEscrow, TaskID: tsk.ID})
	require.NoError(t, err)
	require.Equal(t, store.MoneyHeld, holdResult.State)

	markCompletedWithAcceptedProof(t, db, tsk.ID)

	releaseResult, err := engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.ReleasePayout, TaskID: tsk.ID})
	require.NoError(t, err)
	require.Equal(t, store.MoneyReleased, releaseResult.State)
	require.True(t, releaseResult.XPAwarded)
	require.Equal(t, int64(50), releaseResult.FinalXP)

	var hustler store.User
	require.NoError(t, db.Where("id = ?", hustlerID).First(&hustler).Error)
	require.Equal(t, int64(50), hustler.XP)
	require.Equal(t, 1, hustler.Level)
	require.Equal(t, 1, hustler.Streak)

	var xpRows []store.XPLedger
	require.NoError(t, db.Where("task_id = ?", tsk.ID).Find(&xpRows).Error)
	require.Len(t, xpRows, 1)

	var lock store.MoneyStateLock
	require.NoError(t, db.Where("task_id = ?", tsk.ID).First(&lock).Error)
	require.Equal(t, store.MoneyReleased, lock.CurrentState)

	var entries []store.LedgerEntry
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 4) // hold (2) + release (2: revenue + hustler)

	require.Equal(t, 1, pspFake.transfers)
}

// TestReplayIsIdempotent covers P9: redelivering the same event id produces
// no new state transition, ledger transaction, or xp row.
func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	pspFake := &fakePSP{}
	engine, _ := newTestEngine(t, db, pspFake)
	tsk, _, _ := seedTask(t, db, 5000)

	holdEventID := idgen.NewULID()
	_, err := engine.Handle(ctx, money.Event{ID: holdEventID, Type: money.HoldEscrow, TaskID: tsk.ID})
	require.NoError(t, err)

	markCompletedWithAcceptedProof(t, db, tsk.ID)
	releaseEventID := idgen.NewULID()
	first, err := engine.Handle(ctx, money.Event{ID: releaseEventID, Type: money.ReleasePayout, TaskID: tsk.ID})
	require.NoError(t, err)
	require.False(t, first.IdempotentReplay)

	second, err := engine.Handle(ctx, money.Event{ID: releaseEventID, Type: money.ReleasePayout, TaskID: tsk.ID})
	require.NoError(t, err)
	require.True(t, second.IdempotentReplay)

	var txCount int64
	require.NoError(t, db.Model(&store.LedgerTransaction{}).Count(&txCount).Error)
	require.Equal(t, int64(2), txCount) // exactly hold + release, no extra from the replay

	require.Equal(t, 1, pspFake.transfers)
}

// TestDisputeRefund covers spec §8 scenario 4: a $20.00 hold, a dispute
// opened, then an admin refund resolution. Final state is terminal with no
// XP row and exactly one refund at the PSP.
func TestDisputeRefund(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	pspFake := &fakePSP{}
	engine, _ := newTestEngine(t, db, pspFake)
	tsk, _, _ := seedTask(t, db, 2000)

	_, err := engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.HoldEscrow, TaskID: tsk.ID})
	require.NoError(t, err)

	_, err = engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.DisputeOpen, TaskID: tsk.ID})
	require.NoError(t, err)

	var lock store.MoneyStateLock
	require.NoError(t, db.Where("task_id = ?", tsk.ID).First(&lock).Error)
	require.Equal(t, store.MoneyLockedDispute, lock.CurrentState)

	refundResult, err := engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.DisputeResolveRefund, TaskID: tsk.ID})
	require.NoError(t, err)
	require.Equal(t, store.MoneyRefunded, refundResult.State)
	require.False(t, refundResult.XPAwarded)

	var txCount int64
	require.NoError(t, db.Model(&store.LedgerTransaction{}).Where("status = ?", store.TxCommitted).Or("status = ?", store.TxConfirmed).Count(&txCount).Error)

	var xpCount int64
	require.NoError(t, db.Model(&store.XPLedger{}).Where("task_id = ?", tsk.ID).Count(&xpCount).Error)
	require.Equal(t, int64(0), xpCount)

	require.Equal(t, 1, pspFake.refunds)
}

// TestPrepareSurvivesPSPFailure covers spec §4.2's failure semantics: a
// crash (here, a PSP error) between the ledger prepare and the final commit
// leaves the ledger_prepares row durable with no committed
// ledger_transactions row, so the PendingTransactionReaper has something to
// find and resume or fail later.
func TestPrepareSurvivesPSPFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	pspFake := &fakePSP{}
	engine, _ := newTestEngine(t, db, pspFake)
	tsk, _, _ := seedTask(t, db, 5000)

	_, err := engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.HoldEscrow, TaskID: tsk.ID})
	require.NoError(t, err)
	markCompletedWithAcceptedProof(t, db, tsk.ID)

	pspFake.failTransfer = errTransferDown
	_, err = engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.ReleasePayout, TaskID: tsk.ID})
	require.Error(t, err)

	var prepareCount int64
	require.NoError(t, db.Model(&store.LedgerPrepare{}).Count(&prepareCount).Error)
	require.Equal(t, int64(2), prepareCount) // hold's prepare + release's surviving prepare

	var committedCount int64
	require.NoError(t, db.Model(&store.LedgerTransaction{}).Where("status = ?", store.TxCommitted).Count(&committedCount).Error)
	require.Equal(t, int64(1), committedCount) // only the hold committed; release never did

	var lock store.MoneyStateLock
	require.NoError(t, db.Where("task_id = ?", tsk.ID).First(&lock).Error)
	require.Equal(t, store.MoneyHeld, lock.CurrentState) // state lock rolled back with the rest of the failed transition
}

// TestKillSwitchBlocksNewHolds covers the kill-switch half of spec §8
// scenario 6: once active, a new HOLD_ESCROW is rejected.
func TestKillSwitchBlocksNewHolds(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	pspFake := &fakePSP{}
	engine, ks := newTestEngine(t, db, pspFake)
	tsk, _, _ := seedTask(t, db, 1000)

	require.NoError(t, ks.Activate(ctx, "LEDGER_DRIFT"))

	_, err := engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.HoldEscrow, TaskID: tsk.ID})
	require.ErrorIs(t, err, money.ErrBlockedByKillSwitch)

	require.NoError(t, ks.Deactivate(ctx))
	_, err = engine.Handle(ctx, money.Event{ID: idgen.NewULID(), Type: money.HoldEscrow, TaskID: tsk.ID})
	require.NoError(t, err)
}
