// Package task implements the TaskStateMachine and ProofStateMachine
// (spec §4.5): lifecycle guards the MoneyStateMachine consults and never
// bypasses.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// Sentinel errors (spec §7 InvalidTransition).
var (
	ErrInvalidTransition = errors.New("task: invalid state transition")
	ErrProofNotAccepted  = errors.New("task: proof has not been accepted")
	ErrMoneyNotHeld      = errors.New("task: money state is not held")
)

// Machine mutates Task rows and consults the latest Proof row for a task.
// Every method must run inside the caller's existing DB transaction so its
// checks observe the same row-locked state the MoneyStateMachine acquired.
type Machine struct {
	now func() time.Time
}

// New constructs a task/proof state machine.
func New() *Machine {
	return &Machine{now: time.Now}
}

// Accept transitions OPEN -> ACCEPTED. Requires a hustler id and that the
// money state is already held (spec §4.5).
func (m *Machine) Accept(ctx context.Context, tx *gorm.DB, taskID, hustlerID uuid.UUID, moneyState store.MoneyState) error {
	if hustlerID == uuid.Nil {
		return fmt.Errorf("task: hustler id required")
	}
	if moneyState != store.MoneyHeld {
		return fmt.Errorf("%w: accept requires money state held, got %q", ErrMoneyNotHeld, moneyState)
	}
	var t store.Task
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error; err != nil {
		return fmt.Errorf("task: load: %w", err)
	}
	if t.Status != store.TaskOpen {
		return fmt.Errorf("%w: task %s is %q, want OPEN", ErrInvalidTransition, taskID, t.Status)
	}
	now := m.now()
	return tx.Model(&store.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"hustler_id":  hustlerID,
		"status":      store.TaskAccepted,
		"accepted_at": now,
	}).Error
}

// SubmitProof transitions ACCEPTED -> PROOF_SUBMITTED and appends a
// REQUESTED->SUBMITTED proof log entry in one step (spec §4.5 requires a
// proof id to exist; this mints one).
func (m *Machine) SubmitProof(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, detail string) (uuid.UUID, error) {
	var t store.Task
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error; err != nil {
		return uuid.Nil, fmt.Errorf("task: load: %w", err)
	}
	if t.Status != store.TaskAccepted {
		return uuid.Nil, fmt.Errorf("%w: task %s is %q, want ACCEPTED", ErrInvalidTransition, taskID, t.Status)
	}
	proof := store.Proof{ID: idgen.NewUUID(), TaskID: taskID, Status: store.ProofSubmitted, Detail: detail, CreatedAt: m.now()}
	if err := tx.Create(&proof).Error; err != nil {
		return uuid.Nil, fmt.Errorf("task: create proof: %w", err)
	}
	if err := tx.Model(&store.Task{}).Where("id = ?", taskID).Update("status", store.TaskProofSubmitted).Error; err != nil {
		return uuid.Nil, fmt.Errorf("task: update status: %w", err)
	}
	return proof.ID, nil
}

// ReviewProof appends a new proof status row (ANALYZING, ESCALATED,
// ACCEPTED, REJECTED, LOCKED), preserving the append-only proof log.
func (m *Machine) ReviewProof(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, status store.ProofStatus, detail string) error {
	if err := validateProofTransition(status); err != nil {
		return err
	}
	proof := store.Proof{ID: idgen.NewUUID(), TaskID: taskID, Status: status, Detail: detail, CreatedAt: m.now()}
	return tx.Create(&proof).Error
}

func validateProofTransition(status store.ProofStatus) error {
	switch status {
	case store.ProofAnalyzing, store.ProofEscalated, store.ProofAccepted, store.ProofRejected, store.ProofLocked:
		return nil
	default:
		return fmt.Errorf("%w: unexpected proof status %q", ErrInvalidTransition, status)
	}
}

// LatestProofStatus returns the most recent proof status recorded for a
// task, or ProofNone if no proof has been requested/submitted yet.
func LatestProofStatus(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) (store.ProofStatus, error) {
	var proof store.Proof
	err := tx.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at DESC").First(&proof).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ProofNone, nil
	}
	if err != nil {
		return "", fmt.Errorf("task: load latest proof: %w", err)
	}
	return proof.Status, nil
}

// CheckReleaseAllowed enforces INV-2/INV-3 and the §4.5 freeze rule: a
// release is only permitted when the proof has been accepted and money is
// held. MoneyStateMachine.Handle calls this before issuing RELEASE_PAYOUT.
func CheckReleaseAllowed(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, moneyState store.MoneyState) error {
	if moneyState != store.MoneyHeld {
		return fmt.Errorf("%w: release requires money state held, got %q", ErrMoneyNotHeld, moneyState)
	}
	status, err := LatestProofStatus(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if store.FrozenProofStates[status] {
		return fmt.Errorf("task: release frozen while proof is %q", status)
	}
	if status != store.ProofAccepted {
		return fmt.Errorf("%w: proof is %q, want accepted", ErrProofNotAccepted, status)
	}
	return nil
}

// Complete transitions PROOF_SUBMITTED -> COMPLETED. Requires an accepted
// proof and a held money state (INV-2, INV-3).
func (m *Machine) Complete(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, moneyState store.MoneyState) error {
	if err := CheckReleaseAllowed(ctx, tx, taskID, moneyState); err != nil {
		return err
	}
	var t store.Task
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error; err != nil {
		return fmt.Errorf("task: load: %w", err)
	}
	if t.Status != store.TaskProofSubmitted {
		return fmt.Errorf("%w: task %s is %q, want PROOF_SUBMITTED", ErrInvalidTransition, taskID, t.Status)
	}
	now := m.now()
	return tx.Model(&store.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":       store.TaskCompleted,
		"completed_at": now,
	}).Error
}

// OpenDispute transitions PROOF_SUBMITTED -> DISPUTED. Requires a reason.
func (m *Machine) OpenDispute(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, reason string) error {
	if reason == "" {
		return fmt.Errorf("task: dispute reason required")
	}
	var t store.Task
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error; err != nil {
		return fmt.Errorf("task: load: %w", err)
	}
	if t.Status != store.TaskProofSubmitted {
		return fmt.Errorf("%w: task %s is %q, want PROOF_SUBMITTED", ErrInvalidTransition, taskID, t.Status)
	}
	return tx.Model(&store.Task{}).Where("id = ?", taskID).Update("status", store.TaskDisputed).Error
}

// ResolveDisputeToComplete transitions DISPUTED -> COMPLETED. Requires an
// admin id (spec §4.5).
func (m *Machine) ResolveDisputeToComplete(ctx context.Context, tx *gorm.DB, taskID, adminID uuid.UUID) error {
	if adminID == uuid.Nil {
		return fmt.Errorf("task: admin id required")
	}
	var t store.Task
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error; err != nil {
		return fmt.Errorf("task: load: %w", err)
	}
	if t.Status != store.TaskDisputed {
		return fmt.Errorf("%w: task %s is %q, want DISPUTED", ErrInvalidTransition, taskID, t.Status)
	}
	now := m.now()
	return tx.Model(&store.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":       store.TaskCompleted,
		"completed_at": now,
	}).Error
}

// Terminate moves any non-terminal task to CANCELLED or EXPIRED.
func (m *Machine) Terminate(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, terminal store.TaskStatus) error {
	if terminal != store.TaskCancelled && terminal != store.TaskExpired {
		return fmt.Errorf("task: terminate target must be CANCELLED or EXPIRED, got %q", terminal)
	}
	var t store.Task
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", taskID).First(&t).Error; err != nil {
		return fmt.Errorf("task: load: %w", err)
	}
	if store.TaskTerminalStates[t.Status] {
		return fmt.Errorf("%w: task %s already terminal (%q)", ErrInvalidTransition, taskID, t.Status)
	}
	return tx.Model(&store.Task{}).Where("id = ?", taskID).Update("status", terminal).Error
}
