package psp_test

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/psp"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

// countingPSP counts real calls per operation, so tests can assert the
// bridge's mirror short-circuits a duplicate idempotency key.
type countingPSP struct {
	transfers int
	failNext  error
}

func (c *countingPSP) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (psp.PaymentIntent, error) {
	return psp.PaymentIntent{ID: id, Status: "succeeded"}, nil
}
func (c *countingPSP) CreateTransfer(ctx context.Context, req psp.TransferRequest, idempotencyKey string) (psp.Transfer, error) {
	c.transfers++
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return psp.Transfer{}, err
	}
	return psp.Transfer{ID: "tr_" + idempotencyKey, Status: "paid"}, nil
}
func (c *countingPSP) CreateRefund(ctx context.Context, req psp.RefundRequest, idempotencyKey string) (psp.Refund, error) {
	return psp.Refund{ID: "re_" + idempotencyKey, Status: "succeeded"}, nil
}
func (c *countingPSP) CreateReversal(ctx context.Context, transferID string, req psp.ReversalRequest, idempotencyKey string) (psp.Reversal, error) {
	return psp.Reversal{ID: "rv_" + idempotencyKey, Status: "succeeded"}, nil
}
func (c *countingPSP) RetrieveBalance(ctx context.Context) (psp.Balance, error) { return psp.Balance{}, nil }
func (c *countingPSP) ListBalanceTransactions(ctx context.Context, sinceUnix int64) ([]psp.BalanceTransaction, error) {
	return nil, nil
}

// TestCreateTransferRejectsMissingIdempotencyKey covers the mandatory-key
// validation shared by every mutating Bridge method.
func TestCreateTransferRejectsMissingIdempotencyKey(t *testing.T) {
	db := openTestDB(t)
	bridge := psp.New(db, &countingPSP{})

	_, err := bridge.CreateTransfer(context.Background(), psp.TransferRequest{
		AmountCents: 100, Currency: "USD", Destination: "acct_1",
	}, "")
	require.ErrorIs(t, err, psp.ErrIdempotencyKeyRequired)
}

// TestCreateTransferValidatesRequest covers validateTransfer's guard rails.
func TestCreateTransferValidatesRequest(t *testing.T) {
	db := openTestDB(t)
	bridge := psp.New(db, &countingPSP{})

	_, err := bridge.CreateTransfer(context.Background(), psp.TransferRequest{
		AmountCents: 0, Currency: "USD", Destination: "acct_1",
	}, "key-1")
	require.Error(t, err)

	_, err = bridge.CreateTransfer(context.Background(), psp.TransferRequest{
		AmountCents: 100, Currency: "EUR", Destination: "acct_1",
	}, "key-2")
	require.Error(t, err)

	_, err = bridge.CreateTransfer(context.Background(), psp.TransferRequest{
		AmountCents: 100, Currency: "USD", Destination: "",
	}, "key-3")
	require.Error(t, err)
}

// TestCreateTransferIsIdempotentViaMirror covers spec §4.3's split-brain
// discipline: a second call with the same idempotency key replays the
// mirrored result instead of hitting the PSP again.
func TestCreateTransferIsIdempotentViaMirror(t *testing.T) {
	db := openTestDB(t)
	client := &countingPSP{}
	bridge := psp.New(db, client)
	req := psp.TransferRequest{AmountCents: 500, Currency: "USD", Destination: "acct_1"}

	first, err := bridge.CreateTransfer(context.Background(), req, "transfer-key-1")
	require.NoError(t, err)

	second, err := bridge.CreateTransfer(context.Background(), req, "transfer-key-1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, client.transfers)

	var mirrorCount int64
	require.NoError(t, db.Model(&store.PSPOutboundLog{}).Where("idempotency_key = ?", "transfer-key-1").Count(&mirrorCount).Error)
	require.Equal(t, int64(1), mirrorCount)
}

// TestCreateTransferAPIErrorWritesNoMirror covers step 5 of the split-brain
// contract: a deterministic API rejection never writes a mirror row, so a
// retry with the same key re-attempts the call.
func TestCreateTransferAPIErrorWritesNoMirror(t *testing.T) {
	db := openTestDB(t)
	client := &countingPSP{failNext: &psp.CallError{Class: psp.FailureAPIError, Err: errAPIRejected}}
	bridge := psp.New(db, client)
	req := psp.TransferRequest{AmountCents: 500, Currency: "USD", Destination: "acct_1"}

	_, err := bridge.CreateTransfer(context.Background(), req, "transfer-key-2")
	require.Error(t, err)

	var mirrorCount int64
	require.NoError(t, db.Model(&store.PSPOutboundLog{}).Where("idempotency_key = ?", "transfer-key-2").Count(&mirrorCount).Error)
	require.Equal(t, int64(0), mirrorCount)

	// A retry with the same key re-attempts the call since nothing was mirrored.
	_, err = bridge.CreateTransfer(context.Background(), req, "transfer-key-2")
	require.NoError(t, err)
	require.Equal(t, 2, client.transfers)
}

var errAPIRejected = &testError{"card declined"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
