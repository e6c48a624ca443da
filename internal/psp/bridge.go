package psp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// ErrIdempotencyKeyRequired is returned when a caller omits the mandatory
// idempotency key (spec §4.3 validation).
var ErrIdempotencyKeyRequired = errors.New("psp: idempotency key required")

// Bridge wraps a Client with the mirror-log / split-brain recovery
// discipline spec §4.3 demands.
type Bridge struct {
	db      *gorm.DB
	client  Client
	tracer  trace.Tracer
	metrics *observability.LedgerMetrics
	limiter *rate.Limiter
	now     func() time.Time
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithRateLimit bounds outbound PSP calls per second, protecting the PSP
// account from retry storms during Reaper sweeps.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Bridge) { b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New constructs a Bridge around the given PSP client.
func New(db *gorm.DB, client Client, opts ...Option) *Bridge {
	b := &Bridge{
		db:      db,
		client:  client,
		tracer:  otel.Tracer("psp/bridge"),
		metrics: observability.Metrics(),
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// mirrorRecord is the JSON payload stored in psp_outbound_log.
type mirrorRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// lookupMirror returns the stored mirror row for idempotencyKey, if any.
func (b *Bridge) lookupMirror(ctx context.Context, idempotencyKey string) (*store.PSPOutboundLog, error) {
	var row store.PSPOutboundLog
	err := b.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("psp: lookup mirror: %w", err)
}

// writeMirror inserts the mirror row. Deliberately called outside any
// ledger DB transaction (spec §4.3 step 3, §9 design note): the PSP call is
// the non-transactional step, and this insert is the only durable evidence
// it already happened.
func (b *Bridge) writeMirror(ctx context.Context, idempotencyKey, pspID, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("psp: marshal mirror payload: %w", err)
	}
	row := store.PSPOutboundLog{
		IdempotencyKey: idempotencyKey,
		PSPID:          pspID,
		Type:           kind,
		Payload:        store.JSON(data),
		CreatedAt:      b.now(),
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("psp: write mirror: %w", err)
	}
	return nil
}

// CapturePaymentIntent captures a payment intent at most once per idempotency key.
func (b *Bridge) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (PaymentIntent, error) {
	if idempotencyKey == "" {
		return PaymentIntent{}, ErrIdempotencyKeyRequired
	}
	var result PaymentIntent
	err := b.call(ctx, "capture_payment_intent", idempotencyKey, &result, func(ctx context.Context) (interface{}, string, error) {
		pi, err := b.client.CapturePaymentIntent(ctx, id, idempotencyKey)
		return pi, pi.ID, err
	})
	return result, err
}

// CreateTransfer creates an outbound transfer at most once per idempotency key.
func (b *Bridge) CreateTransfer(ctx context.Context, req TransferRequest, idempotencyKey string) (Transfer, error) {
	if idempotencyKey == "" {
		return Transfer{}, ErrIdempotencyKeyRequired
	}
	if err := validateTransfer(req); err != nil {
		return Transfer{}, err
	}
	var result Transfer
	err := b.call(ctx, "create_transfer", idempotencyKey, &result, func(ctx context.Context) (interface{}, string, error) {
		t, err := b.client.CreateTransfer(ctx, req, idempotencyKey)
		return t, t.ID, err
	})
	return result, err
}

// CreateRefund creates a refund at most once per idempotency key.
func (b *Bridge) CreateRefund(ctx context.Context, req RefundRequest, idempotencyKey string) (Refund, error) {
	if idempotencyKey == "" {
		return Refund{}, ErrIdempotencyKeyRequired
	}
	var result Refund
	err := b.call(ctx, "create_refund", idempotencyKey, &result, func(ctx context.Context) (interface{}, string, error) {
		r, err := b.client.CreateRefund(ctx, req, idempotencyKey)
		return r, r.ID, err
	})
	return result, err
}

// CreateReversal creates a reversal at most once per idempotency key.
func (b *Bridge) CreateReversal(ctx context.Context, transferID string, req ReversalRequest, idempotencyKey string) (Reversal, error) {
	if idempotencyKey == "" {
		return Reversal{}, ErrIdempotencyKeyRequired
	}
	var result Reversal
	err := b.call(ctx, "create_reversal", idempotencyKey, &result, func(ctx context.Context) (interface{}, string, error) {
		r, err := b.client.CreateReversal(ctx, transferID, req, idempotencyKey)
		return r, r.ID, err
	})
	return result, err
}

// call implements the five-step split-brain recovery contract common to
// every mutating operation (spec §4.3).
func (b *Bridge) call(ctx context.Context, op, idempotencyKey string, out interface{}, do func(context.Context) (interface{}, string, error)) error {
	ctx, span := b.tracer.Start(ctx, "psp."+op, trace.WithAttributes(attribute.String("psp.idempotency_key", idempotencyKey)))
	defer span.End()
	start := b.now()

	// Step 1: consult the mirror before ever calling the PSP.
	mirror, err := b.lookupMirror(ctx, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if mirror != nil {
		if err := json.Unmarshal(mirror.Payload, out); err != nil {
			return fmt.Errorf("psp: unmarshal mirror payload: %w", err)
		}
		b.metrics.RecordPSPCall(op, "mirror_hit", time.Since(start).Seconds())
		span.SetAttributes(attribute.Bool("psp.mirror_hit", true))
		return nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("psp: rate limiter: %w", err)
	}

	// Step 2: issue the call with the same idempotency key.
	result, pspID, callErr := do(ctx)
	if callErr != nil {
		var classified *CallError
		if errors.As(callErr, &classified) {
			if classified.Class == FailureAPIError {
				// Step 5: deterministic rejection, surfaced without a mirror write.
				b.metrics.RecordPSPCall(op, "api_error", time.Since(start).Seconds())
				span.RecordError(callErr)
				span.SetStatus(codes.Error, "psp api error")
				return classified
			}
		}
		// Step 4: unknown/timeout outcome; no mirror, no ledger commit.
		b.metrics.RecordPSPCall(op, "timeout", time.Since(start).Seconds())
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "psp call timed out")
		return callErr
	}

	// Step 3: success — insert the mirror row outside any ledger transaction.
	if err := b.writeMirror(ctx, idempotencyKey, pspID, op, result); err != nil {
		span.RecordError(err)
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("psp: marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("psp: unmarshal result: %w", err)
	}
	b.metrics.RecordPSPCall(op, "success", time.Since(start).Seconds())
	return nil
}

func validateTransfer(req TransferRequest) error {
	if req.AmountCents <= 0 {
		return fmt.Errorf("psp: transfer amount must be a positive integer number of cents")
	}
	if req.Currency != "USD" {
		return fmt.Errorf("psp: currency must be USD, got %q", req.Currency)
	}
	if req.Destination == "" {
		return fmt.Errorf("psp: destination required")
	}
	return nil
}
