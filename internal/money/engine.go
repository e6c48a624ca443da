// Package money implements the MoneyStateMachine (spec §4.4): the single
// serialization point for every change to an escrow, folding the ledger
// commit, the PSP call, and the XP award into one DB transaction.
package money

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sebdysart/hustlexp-ledger/internal/feeschedule"
	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/killswitch"
	"github.com/Sebdysart/hustlexp-ledger/internal/ledger"
	"github.com/Sebdysart/hustlexp-ledger/internal/outbox"
	"github.com/Sebdysart/hustlexp-ledger/internal/psp"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/internal/task"
	"github.com/Sebdysart/hustlexp-ledger/internal/xp"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// NotifyMoneyStateChanged is the outbox job type the notification
// delivery collaborator (out of this engine's scope) consumes.
const NotifyMoneyStateChanged = "notify.money_state_changed"

type stateChangeNotification struct {
	TaskID     uuid.UUID `json:"task_id"`
	EventType  string    `json:"event_type"`
	PriorState string    `json:"prior_state"`
	NewState   string    `json:"new_state"`
	XPAwarded  bool      `json:"xp_awarded"`
}

// Sentinel errors (spec §7 error kinds).
var (
	ErrBlockedByKillSwitch = errors.New("money: blocked by kill switch")
	ErrInvalidTransition   = errors.New("money: invalid transition")
	ErrTaskNotFound        = errors.New("money: task not found")
)

// Engine is the MoneyStateMachine.
type Engine struct {
	db         *gorm.DB
	ledger     *ledger.Engine
	psp        *psp.Bridge
	killSwitch *killswitch.Switch
	tasks      *task.Machine
	fee        feeschedule.FeeFunc
	outbox     *outbox.Queue
	metrics    *observability.LedgerMetrics
	now        func() time.Time
}

// New constructs a MoneyStateMachine. outboxQueue is optional; when nil no
// notification jobs are enqueued (useful for tests that don't exercise the
// outbox table).
func New(db *gorm.DB, ledgerEngine *ledger.Engine, bridge *psp.Bridge, killSwitch *killswitch.Switch, tasks *task.Machine, fee feeschedule.FeeFunc, outboxQueue *outbox.Queue) *Engine {
	return &Engine{
		db:         db,
		ledger:     ledgerEngine,
		psp:        bridge,
		killSwitch: killSwitch,
		tasks:      tasks,
		fee:        fee,
		outbox:     outboxQueue,
		metrics:    observability.Metrics(),
		now:        time.Now,
	}
}

// Handle processes one financial event end to end (spec §4.4 steps 1-11).
func (e *Engine) Handle(ctx context.Context, ev Event) (Result, error) {
	if ev.ID == "" {
		return Result{}, fmt.Errorf("money: event id required")
	}

	// Step 1: ingress replay check, outside any transaction — event ids and
	// PSP event ids are inserted exactly once and never revisited.
	if hit, err := e.alreadyProcessed(ctx, ev); err != nil {
		return Result{}, err
	} else if hit {
		slog.InfoContext(ctx, "money event replay", slog.String("event_id", ev.ID), slog.String("task_id", ev.TaskID.String()))
		return Result{IdempotentReplay: true}, nil
	}

	// Step 2: kill-switch check, exempting finalization of in-flight work.
	if e.killSwitch.Active() && !ev.Resume {
		return Result{}, fmt.Errorf("%w: %s", ErrBlockedByKillSwitch, e.killSwitch.Reason())
	}

	var result Result
	err := store.WithSerializable(ctx, e.db, func(tx *gorm.DB) error {
		r, err := e.handleTx(ctx, tx, ev)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (e *Engine) alreadyProcessed(ctx context.Context, ev Event) (bool, error) {
	var processed store.MoneyEventProcessed
	err := e.db.WithContext(ctx).Where("event_id = ?", ev.ID).First(&processed).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("money: check event dedup: %w", err)
	}
	if ev.ExternalID != "" {
		var external store.ProcessedPSPEvent
		err := e.db.WithContext(ctx).Where("psp_event_id = ?", ev.ExternalID).First(&external).Error
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("money: check psp event dedup: %w", err)
		}
	}
	return false, nil
}

// handleTx runs steps 3-10 inside the caller's SERIALIZABLE transaction.
func (e *Engine) handleTx(ctx context.Context, tx *gorm.DB, ev Event) (Result, error) {
	// Step 3: row-lock (or create) the state lock.
	lock, created, err := e.lockOrCreate(tx, ev)
	if err != nil {
		return Result{}, err
	}

	// Step 4: validate transition.
	if !created && store.MoneyTerminalStates[lock.CurrentState] {
		return Result{}, fmt.Errorf("%w: task %s money state %q is terminal", ErrInvalidTransition, ev.TaskID, lock.CurrentState)
	}
	newState, ok := nextState(lock.CurrentState, ev.Type)
	if !ok {
		return Result{}, fmt.Errorf("%w: event %s not allowed from state %q", ErrInvalidTransition, ev.Type, lock.CurrentState)
	}
	var t store.Task
	if err := tx.Where("id = ?", ev.TaskID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, ev.TaskID)
		}
		return Result{}, fmt.Errorf("money: load task: %w", err)
	}
	if ev.Type == ReleasePayout {
		if t.Status != store.TaskCompleted {
			return Result{}, fmt.Errorf("%w: release requires task COMPLETED, got %q", ErrInvalidTransition, t.Status)
		}
		if err := task.CheckReleaseAllowed(ctx, tx, ev.TaskID, lock.CurrentState); err != nil {
			return Result{}, err
		}
	}

	// DISPUTE_OPEN only locks the escrow; no funds move and no ledger entry
	// is produced (spec §4.4 ledger patterns list hold/release/refund/split
	// only).
	movesFunds := ev.Type != DisputeOpen

	// Step 5: pre-call ledger prepare. This commits through its own
	// transaction (e.ledger.Prepare, not PrepareTx), independent of the
	// SERIALIZABLE transaction wrapping the rest of this handler, so a crash
	// before the PSP call or the final commit leaves a durable
	// ledger_prepares row behind for the PendingTransactionReaper (spec
	// §4.2, §4.10) rather than rolling it back with everything else.
	var (
		ulid     string
		feeCents int64
	)
	if movesFunds {
		feeCents = e.fee(t, ev.Context)
		entries, txType, err := buildEntries(tx, t, ev.Type, feeCents, ev.Context)
		if err != nil {
			return Result{}, err
		}
		ledgerKey := ev.ID + "_ledger"
		id, _, err := e.ledger.Prepare(ctx, ledgerKey, txType, entries)
		if err != nil {
			return Result{}, fmt.Errorf("money: prepare ledger entries: %w", err)
		}
		ulid = id
	}

	// Step 6: PSP Bridge call, if this event requires one.
	var pspPaymentIntentID, pspChargeID *string
	if releasesFunds(ev.Type) {
		destination, _ := ev.Context["destination"].(string)
		amount := t.PriceCents - feeCents
		if ev.Type == DisputeResolveSplit {
			if v, ok := contextInt64(ev.Context, "release_cents"); ok {
				amount = v
			}
		}
		if amount > 0 {
			transfer, err := e.psp.CreateTransfer(ctx, psp.TransferRequest{
				AmountCents: amount,
				Currency:    "USD",
				Destination: destination,
				TransferGroup: ev.TaskID.String(),
			}, ev.ID)
			if err != nil {
				return Result{}, err
			}
			pspChargeID = &transfer.ID
		}
	} else if refundsFunds(ev.Type) {
		paymentIntentID, _ := ev.Context["payment_intent_id"].(string)
		amount := t.PriceCents
		if ev.Type == DisputeResolveSplit {
			if v, ok := contextInt64(ev.Context, "refund_cents"); ok {
				amount = v
			}
		}
		if amount > 0 {
			refund, err := e.psp.CreateRefund(ctx, psp.RefundRequest{PaymentIntentID: paymentIntentID, AmountCents: amount}, ev.ID)
			if err != nil {
				return Result{}, err
			}
			pspChargeID = &refund.ID
		}
	} else if ev.Type == HoldEscrow {
		paymentIntentID, _ := ev.Context["payment_intent_id"].(string)
		if paymentIntentID != "" {
			intent, err := e.psp.CapturePaymentIntent(ctx, paymentIntentID, ev.ID)
			if err != nil {
				return Result{}, err
			}
			pspPaymentIntentID = &intent.ID
			pspChargeID = &intent.ChargeID
		}
	}

	// Step 7: ledger commit, same transaction.
	if movesFunds {
		if err := e.ledger.CommitTx(ctx, tx, ulid); err != nil {
			return Result{}, fmt.Errorf("money: commit ledger: %w", err)
		}
	}

	// Step 8: update the state lock.
	prevState := lock.CurrentState
	nextEvents, err := json.Marshal(nextAllowedEvents(newState))
	if err != nil {
		return Result{}, fmt.Errorf("money: marshal next allowed events: %w", err)
	}
	updates := map[string]interface{}{
		"current_state":       newState,
		"next_allowed_events": store.JSON(nextEvents),
		"version":             gorm.Expr("version + 1"),
		"updated_at":          e.now(),
	}
	if pspPaymentIntentID != nil {
		updates["psp_payment_intent_id"] = pspPaymentIntentID
	}
	if pspChargeID != nil {
		updates["psp_charge_id"] = pspChargeID
	}
	if err := tx.Model(&store.MoneyStateLock{}).Where("task_id = ?", ev.TaskID).Updates(updates).Error; err != nil {
		return Result{}, fmt.Errorf("money: update state lock: %w", err)
	}

	// Step 9: XP award, same transaction, only when this event released funds.
	result := Result{State: newState, TransactionID: ulid}
	if newState == store.MoneyReleased && t.HustlerID != nil {
		xpResult, err := xp.AwardXPForTask(ctx, tx, ev.TaskID, *t.HustlerID, t.PriceCents, e.now())
		if err != nil {
			return Result{}, fmt.Errorf("money: award xp: %w", err)
		}
		result.XPAwarded = !xpResult.AlreadyAwarded
		result.FinalXP = xpResult.FinalXP
	}

	// Step 10: record idempotency + audit.
	if err := tx.Create(&store.MoneyEventProcessed{EventID: ev.ID, TaskID: ev.TaskID, CreatedAt: e.now()}).Error; err != nil {
		return Result{}, fmt.Errorf("money: record event processed: %w", err)
	}
	if ev.ExternalID != "" {
		if err := tx.Create(&store.ProcessedPSPEvent{PSPEventID: ev.ExternalID, CreatedAt: e.now()}).Error; err != nil {
			return Result{}, fmt.Errorf("money: record psp event processed: %w", err)
		}
	}
	rawContext, err := json.Marshal(ev.Context)
	if err != nil {
		return Result{}, fmt.Errorf("money: marshal audit context: %w", err)
	}
	audit := store.MoneyEventAudit{
		ID:                 idgen.NewUUID(),
		EventID:            ev.ID,
		TaskID:             ev.TaskID,
		EventType:          string(ev.Type),
		PreviousState:      string(prevState),
		NewState:           string(newState),
		RawContext:         store.JSON(rawContext),
		PSPPaymentIntentID: pspPaymentIntentID,
		PSPChargeID:        pspChargeID,
		CreatedAt:          e.now(),
	}
	if err := tx.Create(&audit).Error; err != nil {
		return Result{}, fmt.Errorf("money: record audit: %w", err)
	}

	// Step 11: enqueue the non-critical notification side effect in the
	// same transaction. Best-effort; the money transition itself has
	// already committed regardless of whether this job ever runs.
	if e.outbox != nil {
		notification := stateChangeNotification{
			TaskID:       ev.TaskID,
			EventType:    string(ev.Type),
			PriorState:   string(prevState),
			NewState:     string(newState),
			XPAwarded:    result.XPAwarded,
		}
		if err := e.outbox.EnqueueTx(tx, NotifyMoneyStateChanged, notification); err != nil {
			return Result{}, fmt.Errorf("money: enqueue notification: %w", err)
		}
	}

	e.metrics.RecordStateTransition(string(ev.Type), fmt.Sprintf("%s->%s", prevState, newState))
	slog.InfoContext(ctx, "money state transition",
		slog.String("task_id", ev.TaskID.String()),
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("prior_state", string(prevState)),
		slog.String("new_state", string(newState)),
	)
	return result, nil
}

// lockOrCreate acquires SELECT ... FOR UPDATE on the state lock row,
// creating it in state pending if this is the task's first HOLD_ESCROW.
func (e *Engine) lockOrCreate(tx *gorm.DB, ev Event) (store.MoneyStateLock, bool, error) {
	var lock store.MoneyStateLock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("task_id = ?", ev.TaskID).First(&lock).Error
	if err == nil {
		return lock, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return store.MoneyStateLock{}, false, fmt.Errorf("money: lock state: %w", err)
	}
	if ev.Type != HoldEscrow {
		return store.MoneyStateLock{}, false, fmt.Errorf("%w: no escrow exists for task %s", ErrInvalidTransition, ev.TaskID)
	}
	nextEvents, err := json.Marshal(nextAllowedEvents(store.MoneyPending))
	if err != nil {
		return store.MoneyStateLock{}, false, fmt.Errorf("money: marshal next allowed events: %w", err)
	}
	now := e.now()
	lock = store.MoneyStateLock{
		TaskID:            ev.TaskID,
		CurrentState:      store.MoneyPending,
		NextAllowedEvents: store.JSON(nextEvents),
		Version:           0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.Create(&lock).Error; err != nil {
		return store.MoneyStateLock{}, false, fmt.Errorf("money: create state lock: %w", err)
	}
	return lock, true, nil
}

func contextInt64(ctx map[string]interface{}, key string) (int64, bool) {
	v, ok := ctx[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
