// Package killswitch implements the Kill-Switch (spec §4.11): a
// process-wide flag, backed by a single-row DB table so every process in a
// horizontally scaled deployment observes the same state, that blocks new
// financial operations while in-flight ones finish.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// Switch is the in-process mirror of the killswitches row. Reads are
// served from the cached value (checked at every entry into
// MoneyStateMachine.Handle without a DB round trip); writes go through the
// DB first so the change is durable before the cache flips.
type Switch struct {
	db      *gorm.DB
	metrics *observability.LedgerMetrics
	now     func() time.Time

	mu     sync.RWMutex
	active bool
	reason string
}

// New constructs a Switch and loads its initial state from the DB,
// creating the single row if it does not yet exist.
func New(ctx context.Context, db *gorm.DB) (*Switch, error) {
	s := &Switch{db: db, metrics: observability.Metrics(), now: time.Now}
	row := store.KillSwitch{ID: 1}
	err := db.WithContext(ctx).FirstOrCreate(&row, store.KillSwitch{ID: 1}).Error
	if err != nil {
		return nil, fmt.Errorf("killswitch: init row: %w", err)
	}
	s.active = row.Active
	if row.Reason != nil {
		s.reason = *row.Reason
	}
	s.metrics.SetKillSwitch(s.active)
	return s, nil
}

// Active reports whether new financial operations must be rejected (spec
// §4.11, §5: checked after acquiring the money_state_lock row lock).
func (s *Switch) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Reason returns the last activation reason, if any.
func (s *Switch) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Activate flips the switch on, persisting the reason before updating the
// in-process cache. In-flight DB transactions are unaffected and are
// allowed to commit (spec §4.11); only new entries observe the flip.
func (s *Switch) Activate(ctx context.Context, reason string) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&store.KillSwitch{}).Where("id = ?", 1).Updates(map[string]interface{}{
		"active":       true,
		"reason":       reason,
		"activated_at": now,
		"updated_at":   now,
	}).Error
	if err != nil {
		return fmt.Errorf("killswitch: activate: %w", err)
	}
	s.mu.Lock()
	s.active = true
	s.reason = reason
	s.mu.Unlock()
	s.metrics.SetKillSwitch(true)
	slog.WarnContext(ctx, "kill switch activated", slog.String("reason", reason))
	return nil
}

// Deactivate flips the switch off. Toggling off immediately restores new
// operations; no draining step is required because every money operation
// is transactional (spec §4.11).
func (s *Switch) Deactivate(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&store.KillSwitch{}).Where("id = ?", 1).Updates(map[string]interface{}{
		"active":     false,
		"reason":     nil,
		"updated_at": s.now(),
	}).Error
	if err != nil {
		return fmt.Errorf("killswitch: deactivate: %w", err)
	}
	s.mu.Lock()
	s.active = false
	s.reason = ""
	s.mu.Unlock()
	s.metrics.SetKillSwitch(false)
	slog.InfoContext(ctx, "kill switch deactivated")
	return nil
}

// Refresh reloads state from the DB. Other processes in a horizontally
// scaled deployment call this on a poll loop so they observe an activation
// triggered elsewhere (e.g. by the Reconciler, spec §4.9) within one poll
// interval.
func (s *Switch) Refresh(ctx context.Context) error {
	var row store.KillSwitch
	if err := s.db.WithContext(ctx).Where("id = ?", 1).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("killswitch: refresh: %w", err)
	}
	s.mu.Lock()
	s.active = row.Active
	if row.Reason != nil {
		s.reason = *row.Reason
	} else {
		s.reason = ""
	}
	s.mu.Unlock()
	s.metrics.SetKillSwitch(s.active)
	return nil
}

// RunRefreshLoop polls the DB for out-of-process activations until ctx is
// cancelled.
func (s *Switch) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				slog.ErrorContext(ctx, "kill switch refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
