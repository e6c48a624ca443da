// Package ledger implements the double-entry Ledger Engine (spec §4.2):
// durable, zero-sum, append-only bookkeeping with idempotent commit.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// Sentinel errors surfaced to callers (spec §7 error kinds).
var (
	ErrKeyConflict        = errors.New("ledger: idempotency key already used for a different payload")
	ErrUnknownPrepare     = errors.New("ledger: no prepare found for ulid")
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	ErrAlreadyCommitted   = errors.New("ledger: transaction already committed")
)

// Entry is one leg of a prepared transaction.
type Entry struct {
	AccountID   uuid.UUID
	Direction   store.EntryDirection
	AmountCents int64
}

// Engine is the Ledger Engine. All methods open their own SERIALIZABLE
// transaction; callers that need Commit to share a transaction with other
// writes (e.g. the MoneyStateMachine updating its state lock in the same
// unit, spec §4.4 step 7) should use CommitTx against an already-open tx.
type Engine struct {
	db      *gorm.DB
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// New constructs a Ledger Engine.
func New(db *gorm.DB) *Engine {
	return &Engine{db: db, metrics: observability.Metrics(), now: time.Now}
}

// Prepare stages entries durably before any PSP call, keyed by an
// idempotency key (spec §4.2). A duplicate Prepare with the same key and an
// identical payload is a no-op returning the existing ULID.
func (e *Engine) Prepare(ctx context.Context, idempotencyKey, txType string, entries []Entry) (string, bool, error) {
	if idempotencyKey == "" {
		return "", false, fmt.Errorf("ledger: idempotency key required")
	}
	snapshot, err := json.Marshal(entries)
	if err != nil {
		return "", false, fmt.Errorf("ledger: marshal entries: %w", err)
	}

	var existing store.LedgerPrepare
	err = e.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&existing).Error
	if err == nil {
		if string(existing.EntriesSnapshot) != string(snapshot) {
			return "", false, ErrKeyConflict
		}
		return existing.ULID, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("ledger: lookup prepare: %w", err)
	}

	ulid := idgen.NewULID()
	prepare := store.LedgerPrepare{
		ULID:            ulid,
		IdempotencyKey:  idempotencyKey,
		Type:            txType,
		EntriesSnapshot: store.JSON(snapshot),
		CreatedAt:       e.now(),
	}
	if err := e.db.WithContext(ctx).Create(&prepare).Error; err != nil {
		return "", false, fmt.Errorf("ledger: create prepare: %w", err)
	}
	return ulid, false, nil
}

// Commit writes the transaction as committed, inserts its entries, verifies
// zero-sum via the stored function, and updates account balances, all in a
// single SERIALIZABLE DB transaction (spec §4.2, §5).
func (e *Engine) Commit(ctx context.Context, ulid string) error {
	return store.WithSerializable(ctx, e.db, func(tx *gorm.DB) error {
		return e.CommitTx(ctx, tx, ulid)
	})
}

// CommitTx performs the Commit algorithm against an already-open
// transaction, letting callers (notably MoneyStateMachine.Handle, spec
// §4.4 step 7) fold the ledger commit and the state-lock update into one
// DB transaction.
func (e *Engine) CommitTx(ctx context.Context, tx *gorm.DB, ulid string) error {
	var prepare store.LedgerPrepare
	if err := tx.WithContext(ctx).Where("ulid = ?", ulid).First(&prepare).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownPrepare
		}
		return fmt.Errorf("ledger: load prepare: %w", err)
	}

	var existingTx store.LedgerTransaction
	err := tx.WithContext(ctx).Where("id = ?", ulid).First(&existingTx).Error
	switch {
	case err == nil:
		if existingTx.Status == store.TxCommitted {
			// Idempotent: already committed, nothing further to do.
			return nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		newTx := store.LedgerTransaction{
			ID:             ulid,
			Type:           prepare.Type,
			IdempotencyKey: &prepare.IdempotencyKey,
			Status:         store.TxExecuting,
			Metadata:       prepare.Metadata,
			CreatedAt:      e.now(),
		}
		if err := tx.Create(&newTx).Error; err != nil {
			return fmt.Errorf("ledger: create transaction: %w", err)
		}
	default:
		return fmt.Errorf("ledger: load transaction: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(prepare.EntriesSnapshot, &entries); err != nil {
		return fmt.Errorf("ledger: unmarshal entries snapshot: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("ledger: transaction %s has no entries", ulid)
	}

	rows := make([]store.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.AmountCents <= 0 {
			return fmt.Errorf("%w: non-positive entry amount %d", ErrInvariantViolation, entry.AmountCents)
		}
		rows = append(rows, store.LedgerEntry{
			ID:            idgen.NewUUID(),
			TransactionID: ulid,
			AccountID:     entry.AccountID,
			Direction:     entry.Direction,
			AmountCents:   entry.AmountCents,
			CreatedAt:     e.now(),
		})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("ledger: insert entries: %w", err)
	}

	if err := verifyZeroSum(entries); err != nil {
		return err
	}
	// Defense in depth: also invoke the stored function so Postgres rejects
	// the commit even if application-level verification is ever bypassed.
	// The function only exists under the Postgres migrations (store.Open),
	// so the in-memory sqlite driver package tests run against skips it.
	if tx.Dialector.Name() == "postgres" {
		if err := tx.Exec("SELECT verify_transaction_invariants(?)", ulid).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
	}

	for _, entry := range entries {
		if err := applyBalance(tx, entry.AccountID, entry.Direction, entry.AmountCents); err != nil {
			return err
		}
	}

	committedAt := e.now()
	if err := tx.Model(&store.LedgerTransaction{}).Where("id = ?", ulid).Updates(map[string]interface{}{
		"status":       store.TxCommitted,
		"committed_at": committedAt,
	}).Error; err != nil {
		return fmt.Errorf("ledger: mark committed: %w", err)
	}

	e.metrics.RecordTransaction(prepare.Type, string(store.TxCommitted))
	return nil
}

// Reverse produces a compensating transaction with swapped directions,
// keyed off its own idempotency key so retries of the reversal are also safe.
func (e *Engine) Reverse(ctx context.Context, ulid, reason string) (string, error) {
	var newULID string
	err := store.WithSerializable(ctx, e.db, func(tx *gorm.DB) error {
		var original store.LedgerTransaction
		if err := tx.WithContext(ctx).Where("id = ? AND status = ?", ulid, store.TxCommitted).First(&original).Error; err != nil {
			return fmt.Errorf("ledger: load original transaction: %w", err)
		}
		var rows []store.LedgerEntry
		if err := tx.WithContext(ctx).Where("transaction_id = ?", ulid).Find(&rows).Error; err != nil {
			return fmt.Errorf("ledger: load original entries: %w", err)
		}
		reversed := make([]Entry, 0, len(rows))
		for _, row := range rows {
			direction := store.Credit
			if row.Direction == store.Credit {
				direction = store.Debit
			}
			reversed = append(reversed, Entry{AccountID: row.AccountID, Direction: direction, AmountCents: row.AmountCents})
		}
		key := "reverse:" + ulid
		mintedULID, existed, err := e.prepareTx(tx, key, "reversal:"+original.Type, reversed)
		if err != nil {
			return err
		}
		newULID = mintedULID
		if !existed {
			meta, err := json.Marshal(map[string]string{"reason": reason})
			if err != nil {
				return fmt.Errorf("ledger: marshal reversal reason: %w", err)
			}
			if err := tx.Model(&store.LedgerPrepare{}).Where("ulid = ?", mintedULID).Update("metadata", store.JSON(meta)).Error; err != nil {
				return fmt.Errorf("ledger: record reversal reason: %w", err)
			}
		}
		return e.CommitTx(ctx, tx, mintedULID)
	})
	if err != nil {
		return "", err
	}
	return newULID, nil
}

// prepareTx mirrors Prepare but runs inside a caller-supplied transaction.
// Used only by Reverse, where the compensating entries must become durable
// atomically with their own commit, not by MoneyStateMachine.Handle, which
// needs Prepare to survive independently of its enclosing transaction.
func (e *Engine) prepareTx(tx *gorm.DB, idempotencyKey, txType string, entries []Entry) (string, bool, error) {
	snapshot, err := json.Marshal(entries)
	if err != nil {
		return "", false, fmt.Errorf("ledger: marshal entries: %w", err)
	}
	var existing store.LedgerPrepare
	err = tx.Where("idempotency_key = ?", idempotencyKey).First(&existing).Error
	if err == nil {
		return existing.ULID, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("ledger: lookup prepare: %w", err)
	}
	ulid := idgen.NewULID()
	prepare := store.LedgerPrepare{
		ULID:            ulid,
		IdempotencyKey:  idempotencyKey,
		Type:            txType,
		EntriesSnapshot: store.JSON(snapshot),
		CreatedAt:       e.now(),
	}
	if err := tx.Create(&prepare).Error; err != nil {
		return "", false, fmt.Errorf("ledger: create prepare: %w", err)
	}
	return ulid, false, nil
}

// Verify recomputes the zero-sum and balance invariants for a committed transaction.
func (e *Engine) Verify(ctx context.Context, ulid string) error {
	var rows []store.LedgerEntry
	if err := e.db.WithContext(ctx).Where("transaction_id = ?", ulid).Find(&rows).Error; err != nil {
		return fmt.Errorf("ledger: load entries: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{AccountID: row.AccountID, Direction: row.Direction, AmountCents: row.AmountCents})
	}
	return verifyZeroSum(entries)
}

func verifyZeroSum(entries []Entry) error {
	var debits, credits int64
	for _, entry := range entries {
		switch entry.Direction {
		case store.Debit:
			debits += entry.AmountCents
		case store.Credit:
			credits += entry.AmountCents
		default:
			return fmt.Errorf("%w: unknown entry direction %q", ErrInvariantViolation, entry.Direction)
		}
	}
	if debits != credits {
		return fmt.Errorf("%w: debits=%d credits=%d", ErrInvariantViolation, debits, credits)
	}
	return nil
}

// applyBalance updates ledger_accounts.balance by the signed direction of
// the entry: asset/expense accounts increase on debit and decrease on
// credit; liability/equity accounts increase on credit and decrease on
// debit (spec §4.2).
func applyBalance(tx *gorm.DB, accountID uuid.UUID, direction store.EntryDirection, amountCents int64) error {
	var account store.LedgerAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", accountID).First(&account).Error; err != nil {
		return fmt.Errorf("ledger: lock account %s: %w", accountID, err)
	}
	delta := amountCents
	switch account.Type {
	case store.AccountAsset, store.AccountExpense:
		if direction == store.Credit {
			delta = -delta
		}
	case store.AccountLiability, store.AccountEquity:
		if direction == store.Debit {
			delta = -delta
		}
	default:
		return fmt.Errorf("ledger: unknown account type %q", account.Type)
	}
	if err := tx.Model(&store.LedgerAccount{}).Where("id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", delta)).Error; err != nil {
		return fmt.Errorf("ledger: update balance: %w", err)
	}
	return nil
}
