// Package xp implements the AtomicXPService (spec §4.6): exactly-once XP
// award bound to a released escrow, computed with fixed-point decimal math.
package xp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// ErrMoneyNotReleased enforces INV-XP-2.
var ErrMoneyNotReleased = errors.New("xp: money state is not released")

// Result is AwardXPForTask's return value.
type Result struct {
	FinalXP        int64
	AlreadyAwarded bool
	NewTotalXP     int64
	NewLevel       int
	NewStreak      int
}

// AwardXPForTask awards XP for a released escrow. It MUST run inside the
// same DB transaction as MoneyStateMachine.Handle step 9 so the
// money_state_lock read and the award are atomic (INV-XP-2). The
// xp_ledgers.money_state_lock_task_id UNIQUE constraint guarantees a second
// attempt is a no-op (INV-5).
func AwardXPForTask(ctx context.Context, tx *gorm.DB, taskID, hustlerID uuid.UUID, priceCents int64, now time.Time) (Result, error) {
	var lock store.MoneyStateLock
	if err := tx.WithContext(ctx).Where("task_id = ?", taskID).First(&lock).Error; err != nil {
		return Result{}, fmt.Errorf("xp: load money state lock: %w", err)
	}
	if lock.CurrentState != store.MoneyReleased {
		return Result{}, fmt.Errorf("%w: got %q", ErrMoneyNotReleased, lock.CurrentState)
	}

	var existing store.XPLedger
	err := tx.WithContext(ctx).Where("money_state_lock_task_id = ?", taskID).First(&existing).Error
	if err == nil {
		observability.Metrics().RecordXPAward(true)
		return resultFromLedgerRow(existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, fmt.Errorf("xp: check existing award: %w", err)
	}

	var user store.User
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", hustlerID).First(&user).Error; err != nil {
		return Result{}, fmt.Errorf("xp: lock user: %w", err)
	}

	baseXP := BaseXP(priceCents)
	decay := DecayFactor(user.XP)
	effective := EffectiveXP(baseXP, decay)
	newStreak := NextStreak(user.Streak, user.LastActiveAt, now)
	multiplier := StreakMultiplier(newStreak)
	final := FinalXP(effective, multiplier)
	newTotal := user.XP + final
	newLevel := LevelForXP(newTotal)

	row := store.XPLedger{
		ID:                   idgen.NewUUID(),
		UserID:               hustlerID,
		TaskID:               taskID,
		MoneyStateLockTaskID: taskID,
		BaseXP:               baseXP,
		DecayFactor:          decay.String(),
		EffectiveXP:          effective,
		StreakMultiplier:     multiplier.String(),
		FinalXP:              final,
		Reason:               "task_release",
		CreatedAt:            now,
	}
	if err := tx.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			var raced store.XPLedger
			if lookupErr := tx.WithContext(ctx).Where("money_state_lock_task_id = ?", taskID).First(&raced).Error; lookupErr == nil {
				observability.Metrics().RecordXPAward(true)
				return resultFromLedgerRow(raced), nil
			}
		}
		return Result{}, fmt.Errorf("xp: insert xp_ledger: %w", err)
	}

	if err := tx.Model(&store.User{}).Where("id = ?", hustlerID).Updates(map[string]interface{}{
		"xp":             newTotal,
		"level":          newLevel,
		"streak":         newStreak,
		"last_active_at": now,
	}).Error; err != nil {
		return Result{}, fmt.Errorf("xp: update user: %w", err)
	}

	observability.Metrics().RecordXPAward(false)
	return Result{FinalXP: final, AlreadyAwarded: false, NewTotalXP: newTotal, NewLevel: newLevel, NewStreak: newStreak}, nil
}

func resultFromLedgerRow(row store.XPLedger) Result {
	return Result{FinalXP: row.FinalXP, AlreadyAwarded: true}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
