package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/internal/task"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func seedOpenTask(t *testing.T, db *gorm.DB) uuid.UUID {
	t.Helper()
	taskID := uuid.New()
	require.NoError(t, db.Create(&store.Task{
		ID: taskID, PosterID: uuid.New(), PriceCents: 1000,
		Status: store.TaskOpen, Category: "delivery", CreatedAt: time.Now(),
	}).Error)
	return taskID
}

// TestAcceptRequiresMoneyHeld covers spec §4.5: a task cannot move to
// ACCEPTED unless its escrow is already held.
func TestAcceptRequiresMoneyHeld(t *testing.T) {
	db := openTestDB(t)
	m := task.New()
	taskID := seedOpenTask(t, db)

	err := m.Accept(context.Background(), db, taskID, uuid.New(), store.MoneyPending)
	require.ErrorIs(t, err, task.ErrMoneyNotHeld)

	require.NoError(t, m.Accept(context.Background(), db, taskID, uuid.New(), store.MoneyHeld))

	var reloaded store.Task
	require.NoError(t, db.Where("id = ?", taskID).First(&reloaded).Error)
	require.Equal(t, store.TaskAccepted, reloaded.Status)
}

// TestCompleteRequiresAcceptedProof covers P7/INV-2: completion (and thus
// release eligibility) requires the latest proof to be ACCEPTED.
func TestCompleteRequiresAcceptedProof(t *testing.T) {
	db := openTestDB(t)
	m := task.New()
	taskID := seedOpenTask(t, db)
	hustlerID := uuid.New()
	require.NoError(t, m.Accept(context.Background(), db, taskID, hustlerID, store.MoneyHeld))
	_, err := m.SubmitProof(context.Background(), db, taskID, "photo evidence")
	require.NoError(t, err)

	err = m.Complete(context.Background(), db, taskID, store.MoneyHeld)
	require.ErrorIs(t, err, task.ErrProofNotAccepted)

	require.NoError(t, m.ReviewProof(context.Background(), db, taskID, store.ProofAccepted, "looks good"))
	require.NoError(t, m.Complete(context.Background(), db, taskID, store.MoneyHeld))

	var reloaded store.Task
	require.NoError(t, db.Where("id = ?", taskID).First(&reloaded).Error)
	require.Equal(t, store.TaskCompleted, reloaded.Status)
}

// TestCheckReleaseAllowedFreezesOnEscalation covers the §4.5 freeze rule:
// a release is blocked while the latest proof status is a frozen one
// (ESCALATED), even though it isn't the terminal ACCEPTED/REJECTED state.
func TestCheckReleaseAllowedFreezesOnEscalation(t *testing.T) {
	db := openTestDB(t)
	m := task.New()
	taskID := seedOpenTask(t, db)
	require.NoError(t, m.Accept(context.Background(), db, taskID, uuid.New(), store.MoneyHeld))
	_, err := m.SubmitProof(context.Background(), db, taskID, "photo evidence")
	require.NoError(t, err)
	require.NoError(t, m.ReviewProof(context.Background(), db, taskID, store.ProofEscalated, "needs human review"))

	err = task.CheckReleaseAllowed(context.Background(), db, taskID, store.MoneyHeld)
	require.Error(t, err)
}

// TestTerminateRejectsAlreadyTerminalTask covers terminal-state immutability
// at the application layer.
func TestTerminateRejectsAlreadyTerminalTask(t *testing.T) {
	db := openTestDB(t)
	m := task.New()
	taskID := seedOpenTask(t, db)
	require.NoError(t, m.Terminate(context.Background(), db, taskID, store.TaskCancelled))

	err := m.Terminate(context.Background(), db, taskID, store.TaskExpired)
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}
