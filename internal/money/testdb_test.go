package money_test

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/feeschedule"
	"github.com/Sebdysart/hustlexp-ledger/internal/killswitch"
	"github.com/Sebdysart/hustlexp-ledger/internal/ledger"
	"github.com/Sebdysart/hustlexp-ledger/internal/money"
	"github.com/Sebdysart/hustlexp-ledger/internal/psp"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/internal/task"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakePSP is a minimal in-memory psp.Client fake: every call succeeds
// deterministically and records how many times each operation ran, the
// shape tests need for P8 (split-brain / exactly-once) assertions.
type fakePSP struct {
	transfers    int
	refunds      int
	captures     int
	balance      psp.Balance
	failTransfer error
}

func (f *fakePSP) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (psp.PaymentIntent, error) {
	f.captures++
	return psp.PaymentIntent{ID: id, Status: "succeeded", ChargeID: "ch_" + id}, nil
}

func (f *fakePSP) CreateTransfer(ctx context.Context, req psp.TransferRequest, idempotencyKey string) (psp.Transfer, error) {
	f.transfers++
	if f.failTransfer != nil {
		return psp.Transfer{}, f.failTransfer
	}
	return psp.Transfer{ID: "tr_" + idempotencyKey, Status: "paid"}, nil
}

func (f *fakePSP) CreateRefund(ctx context.Context, req psp.RefundRequest, idempotencyKey string) (psp.Refund, error) {
	f.refunds++
	return psp.Refund{ID: "re_" + idempotencyKey, Status: "succeeded"}, nil
}

func (f *fakePSP) CreateReversal(ctx context.Context, transferID string, req psp.ReversalRequest, idempotencyKey string) (psp.Reversal, error) {
	return psp.Reversal{ID: "rv_" + idempotencyKey, Status: "succeeded"}, nil
}

func (f *fakePSP) RetrieveBalance(ctx context.Context) (psp.Balance, error) {
	return f.balance, nil
}

func (f *fakePSP) ListBalanceTransactions(ctx context.Context, sinceUnix int64) ([]psp.BalanceTransaction, error) {
	return nil, nil
}

// newTestEngine wires a MoneyStateMachine with an in-memory DB, a flat 12%
// fee schedule, and a fake PSP, mirroring spec §8 scenario 1's fee rate.
func newTestEngine(t *testing.T, db *gorm.DB, pspClient psp.Client) (*money.Engine, *killswitch.Switch) {
	t.Helper()
	ctx := context.Background()
	ks, err := killswitch.New(ctx, db)
	if err != nil {
		t.Fatalf("killswitch.New: %v", err)
	}
	bridge := psp.New(db, pspClient)
	ledgerEngine := ledger.New(db)
	taskMachine := task.New()
	engine := money.New(db, ledgerEngine, bridge, ks, taskMachine, feeschedule.Flat(1200), nil)
	return engine, ks
}

func seedTask(t *testing.T, db *gorm.DB, priceCents int64) (store.Task, uuid.UUID, uuid.UUID) {
	t.Helper()
	posterID := uuid.New()
	hustlerID := uuid.New()
	task := store.Task{
		ID: uuid.New(), PosterID: posterID, HustlerID: &hustlerID,
		PriceCents: priceCents, Status: store.TaskOpen, Category: "delivery",
		CreatedAt: time.Now(),
	}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := db.Create(&store.User{ID: hustlerID, CreatedAt: time.Now(), UpdatedAt: time.Now()}).Error; err != nil {
		t.Fatalf("seed hustler: %v", err)
	}
	return task, posterID, hustlerID
}

func markCompletedWithAcceptedProof(t *testing.T, db *gorm.DB, taskID uuid.UUID) {
	t.Helper()
	proof := store.Proof{ID: uuid.New(), TaskID: taskID, Status: store.ProofAccepted, CreatedAt: time.Now()}
	if err := db.Create(&proof).Error; err != nil {
		t.Fatalf("seed proof: %v", err)
	}
	if err := db.Model(&store.Task{}).Where("id = ?", taskID).Update("status", store.TaskCompleted).Error; err != nil {
		t.Fatalf("mark task completed: %v", err)
	}
}
