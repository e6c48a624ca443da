package reconciler_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/killswitch"
	"github.com/Sebdysart/hustlexp-ledger/internal/psp"
	"github.com/Sebdysart/hustlexp-ledger/internal/reconciler"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

type fakePSP struct {
	balance psp.Balance
	txns    []psp.BalanceTransaction
}

func (f *fakePSP) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (psp.PaymentIntent, error) {
	return psp.PaymentIntent{}, nil
}
func (f *fakePSP) CreateTransfer(ctx context.Context, req psp.TransferRequest, idempotencyKey string) (psp.Transfer, error) {
	return psp.Transfer{}, nil
}
func (f *fakePSP) CreateRefund(ctx context.Context, req psp.RefundRequest, idempotencyKey string) (psp.Refund, error) {
	return psp.Refund{}, nil
}
func (f *fakePSP) CreateReversal(ctx context.Context, transferID string, req psp.ReversalRequest, idempotencyKey string) (psp.Reversal, error) {
	return psp.Reversal{}, nil
}
func (f *fakePSP) RetrieveBalance(ctx context.Context) (psp.Balance, error) { return f.balance, nil }
func (f *fakePSP) ListBalanceTransactions(ctx context.Context, sinceUnix int64) ([]psp.BalanceTransaction, error) {
	return f.txns, nil
}

func seedEscrowLiability(t *testing.T, db *gorm.DB, balanceCents int64) {
	t.Helper()
	require.NoError(t, db.Create(&store.LedgerAccount{
		ID: uuid.New(), OwnerType: store.OwnerPlatform, OwnerID: uuid.New(),
		Type: store.AccountLiability, Name: "Task Escrow", Balance: balanceCents,
	}).Error)
}

// TestRunTripsKillSwitchOnDrift covers spec §8 scenario 6: the internal cash
// proxy (1000.00) disagrees with the PSP-reported balance (999.00), so the
// reconciler trips the kill-switch with reason LEDGER_DRIFT and writes a
// gap report.
func TestRunTripsKillSwitchOnDrift(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedEscrowLiability(t, db, 100000)
	ks, err := killswitch.New(ctx, db)
	require.NoError(t, err)
	outputDir := t.TempDir()
	recon, err := reconciler.New(reconciler.Config{
		DB: db, PSPClient: &fakePSP{balance: psp.Balance{AvailableCents: 99900}},
		KillSwitch: ks, OutputDir: outputDir,
	})
	require.NoError(t, err)

	result, err := recon.Run(ctx)
	require.NoError(t, err)
	require.True(t, result.KillSwitchTripped)
	require.Equal(t, int64(100), result.DriftCents)
	require.True(t, ks.Active())
	require.Equal(t, "LEDGER_DRIFT", ks.Reason())

	require.NotEmpty(t, result.ReportCSVPath)
	_, statErr := os.Stat(result.ReportCSVPath)
	require.NoError(t, statErr)
	require.NotEmpty(t, result.ReportParquetPath)
	_, statErr = os.Stat(result.ReportParquetPath)
	require.NoError(t, statErr)
}

// TestRunDoesNotTripWhenBalanced covers the zero-drift path: matching
// internal and external balances leave the kill-switch untouched and
// produce no gap report.
func TestRunDoesNotTripWhenBalanced(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedEscrowLiability(t, db, 50000)
	ks, err := killswitch.New(ctx, db)
	require.NoError(t, err)
	recon, err := reconciler.New(reconciler.Config{
		DB: db, PSPClient: &fakePSP{balance: psp.Balance{AvailableCents: 50000}},
		KillSwitch: ks, OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	result, err := recon.Run(ctx)
	require.NoError(t, err)
	require.False(t, result.KillSwitchTripped)
	require.Equal(t, int64(0), result.DriftCents)
	require.False(t, ks.Active())
	require.Empty(t, result.ReportCSVPath)
}

// TestRunFlagsMissingLocalMirror covers mirror-gap detection: a PSP balance
// transaction with no corresponding psp_outbound_log row is surfaced as a
// missing_local_mirror gap.
func TestRunFlagsMissingLocalMirror(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedEscrowLiability(t, db, 0)
	ks, err := killswitch.New(ctx, db)
	require.NoError(t, err)
	recon, err := reconciler.New(reconciler.Config{
		DB: db,
		PSPClient: &fakePSP{
			balance: psp.Balance{AvailableCents: 0},
			txns: []psp.BalanceTransaction{
				{ID: "txn_orphan", Type: "transfer", AmountCents: 1500, CreatedAt: time.Now().Unix()},
			},
		},
		KillSwitch: ks, OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	result, err := recon.Run(ctx)
	require.NoError(t, err)
	require.Len(t, result.Gaps, 1)
	require.Equal(t, reconciler.GapMissingLocal, result.Gaps[0].Type)
	require.Equal(t, "txn_orphan", result.Gaps[0].PSPID)
}
