// Package psp implements the PSP Bridge (spec §4.3): idempotent outbound
// calls to the external payment processor, a local mirror log, and
// split-brain recovery.
package psp

import "context"

// FailureClass distinguishes a transient failure (safe to retry) from a
// deterministic rejection (spec §4.3 steps 4-5, §7).
type FailureClass int

const (
	// FailureUnknown means the call result is unknown (e.g. dial/ctx
	// timeout): the mirror must not be written and the ledger must not be
	// committed; a replay will re-hit the PSP with the same key.
	FailureUnknown FailureClass = iota
	// FailureAPIError is a deterministic rejection: the mirror is not
	// written and the caller sees a non-retryable failure.
	FailureAPIError
)

// CallError wraps a PSP call failure with its classification.
type CallError struct {
	Class FailureClass
	Err   error
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// PaymentIntent is the result of capturing a payment intent.
type PaymentIntent struct {
	ID       string
	Status   string
	ChargeID string
}

// TransferRequest describes an outbound transfer.
type TransferRequest struct {
	AmountCents    int64
	Currency       string
	Destination    string
	TransferGroup  string
	Metadata       map[string]string
}

// Transfer is the result of creating a transfer.
type Transfer struct {
	ID     string
	Status string
}

// RefundRequest describes an outbound refund.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64 // 0 means full refund
}

// Refund is the result of creating a refund.
type Refund struct {
	ID     string
	Status string
}

// ReversalRequest describes a reversal of a prior transfer.
type ReversalRequest struct {
	AmountCents int64
}

// Reversal is the result of creating a reversal.
type Reversal struct {
	ID     string
	Status string
}

// Balance is the PSP's reported available/pending balance, in cents, used
// by the Reconciler (§4.9).
type Balance struct {
	AvailableCents int64
	PendingCents   int64
}

// BalanceTransaction is one entry the reconciler mirrors from the PSP.
type BalanceTransaction struct {
	ID          string
	Type        string
	AmountCents int64
	CreatedAt   int64
}

// Client is the external payment processor surface the bridge consumes
// (spec §6). HTTPClient is the production implementation; tests substitute
// a fake.
type Client interface {
	CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (PaymentIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest, idempotencyKey string) (Transfer, error)
	CreateRefund(ctx context.Context, req RefundRequest, idempotencyKey string) (Refund, error)
	CreateReversal(ctx context.Context, transferID string, req ReversalRequest, idempotencyKey string) (Reversal, error)
	RetrieveBalance(ctx context.Context) (Balance, error)
	ListBalanceTransactions(ctx context.Context, sinceUnix int64) ([]BalanceTransaction, error)
}
