// Package dispute implements the DisputeService (spec §4.7): creates and
// adjudicates disputes, routing every fund-moving decision back through
// the MoneyStateMachine rather than touching the ledger directly.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/money"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// ErrNotAdmin enforces the admin-only adjudication rule (spec §4.7, and the
// JWT role-check supplement, SPEC_FULL §12).
var ErrNotAdmin = errors.New("dispute: resolution requires an admin role claim")

// Resolution is the admin's decision on an open dispute.
type Resolution string

const (
	ResolveRefund  Resolution = "refund"
	ResolveRelease Resolution = "release"
	ResolveSplit   Resolution = "split"
)

// AdminClaims is the minimal shape the adjudication JWT must carry.
type AdminClaims struct {
	Subject uuid.UUID
	Role    string
}

// Service is the DisputeService.
type Service struct {
	db    *gorm.DB
	money *money.Engine
	now   func() time.Time
}

// New constructs a DisputeService.
func New(db *gorm.DB, moneyEngine *money.Engine) *Service {
	return &Service{db: db, money: moneyEngine, now: time.Now}
}

// Open creates a dispute and issues DISPUTE_OPEN through the
// MoneyStateMachine, locking the escrow (spec §4.7).
func (s *Service) Open(ctx context.Context, taskID, posterID, hustlerID, escrowID uuid.UUID, reason string) (uuid.UUID, error) {
	if reason == "" {
		return uuid.Nil, fmt.Errorf("dispute: reason required")
	}
	d := store.Dispute{
		ID:        idgen.NewUUID(),
		TaskID:    taskID,
		PosterID:  posterID,
		HustlerID: hustlerID,
		EscrowID:  escrowID,
		Status:    store.DisputeOpen,
		Evidence:  store.JSON("[]"),
		Responses: store.JSON("[]"),
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return uuid.Nil, fmt.Errorf("dispute: create: %w", err)
	}
	_, err := s.money.Handle(ctx, money.Event{
		ID:      idgen.NewULID(),
		Type:    money.DisputeOpen,
		TaskID:  taskID,
		Context: map[string]interface{}{"dispute_id": d.ID.String(), "reason": reason},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispute: open money event: %w", err)
	}
	return d.ID, nil
}

// RecordResponse appends the hustler's response and moves the dispute to
// under_review on its first arrival.
func (s *Service) RecordResponse(ctx context.Context, disputeID uuid.UUID, response string) error {
	var d store.Dispute
	if err := s.db.WithContext(ctx).Where("id = ?", disputeID).First(&d).Error; err != nil {
		return fmt.Errorf("dispute: load: %w", err)
	}
	if d.LockedAt != nil {
		return fmt.Errorf("dispute: %s is resolved and immutable", disputeID)
	}
	updates := map[string]interface{}{"updated_at": s.now()}
	if d.Status == store.DisputeOpen {
		updates["status"] = store.DisputeUnderReview
	}
	return s.db.Model(&store.Dispute{}).Where("id = ?", disputeID).Updates(updates).Error
}

// Resolve performs an admin's adjudication decision. releaseCents and
// refundCents are only consulted for ResolveSplit and must sum to the
// escrowed gross; for ResolveRefund/ResolveRelease they are derived from
// the full task price.
func (s *Service) Resolve(ctx context.Context, claims AdminClaims, disputeID uuid.UUID, decision Resolution, releaseCents, refundCents int64) error {
	if claims.Role != "admin" {
		return ErrNotAdmin
	}
	var d store.Dispute
	if err := s.db.WithContext(ctx).Where("id = ?", disputeID).First(&d).Error; err != nil {
		return fmt.Errorf("dispute: load: %w", err)
	}
	if d.LockedAt != nil {
		return fmt.Errorf("dispute: %s already resolved", disputeID)
	}

	var eventType money.EventType
	evCtx := map[string]interface{}{"dispute_id": disputeID.String(), "admin_id": claims.Subject.String()}
	switch decision {
	case ResolveRefund:
		eventType = money.DisputeResolveRefund
	case ResolveRelease:
		eventType = money.DisputeResolveRelease
	case ResolveSplit:
		eventType = money.DisputeResolveSplit
		evCtx["release_cents"] = releaseCents
		evCtx["refund_cents"] = refundCents
	default:
		return fmt.Errorf("dispute: unknown resolution %q", decision)
	}

	if _, err := s.money.Handle(ctx, money.Event{
		ID:      idgen.NewULID(),
		Type:    eventType,
		TaskID:  d.TaskID,
		Context: evCtx,
	}); err != nil {
		return fmt.Errorf("dispute: resolve money event: %w", err)
	}

	resolution := string(decision)
	adminID := claims.Subject
	now := s.now()
	return s.db.Model(&store.Dispute{}).Where("id = ?", disputeID).Updates(map[string]interface{}{
		"status":      store.DisputeResolved,
		"resolution":  &resolution,
		"resolved_by": &adminID,
		"locked_at":   now,
		"updated_at":  now,
	}).Error
}

// Strike records an append-only disciplinary strike as a side effect of
// adjudication (spec §4.7).
func (s *Service) Strike(ctx context.Context, userID, disputeID uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Create(&store.StrikeLedger{
		ID:        idgen.NewUUID(),
		UserID:    userID,
		DisputeID: disputeID,
		Reason:    reason,
		CreatedAt: s.now(),
	}).Error
}
