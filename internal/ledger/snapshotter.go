package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// Snapshotter periodically checkpoints every account balance so
// verification can recompute signed sums from the snapshot forward instead
// of replaying full history (spec §4.2).
type Snapshotter struct {
	db       *gorm.DB
	interval time.Duration
	now      func() time.Time
}

// NewSnapshotter constructs a Snapshotter that runs every interval.
func NewSnapshotter(db *gorm.DB, interval time.Duration) *Snapshotter {
	return &Snapshotter{db: db, interval: interval, now: time.Now}
}

// Run blocks, writing snapshots on each tick until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "ledger snapshot run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce writes one snapshot row per ledger account.
func (s *Snapshotter) RunOnce(ctx context.Context) error {
	var accounts []store.LedgerAccount
	if err := s.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return fmt.Errorf("ledger: list accounts for snapshot: %w", err)
	}
	for _, account := range accounts {
		var lastTx store.LedgerEntry
		err := s.db.WithContext(ctx).Where("account_id = ?", account.ID).
			Order("created_at DESC").First(&lastTx).Error
		lastULID := ""
		if err == nil {
			lastULID = lastTx.TransactionID
		}
		hash := snapshotHash(account.ID.String(), account.Balance, lastULID)
		snapshot := store.LedgerSnapshot{
			ID:           idgen.NewUUID(),
			AccountID:    account.ID,
			Balance:      account.Balance,
			LastTxULID:   lastULID,
			SnapshotHash: hash,
			CreatedAt:    s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
			return fmt.Errorf("ledger: write snapshot for %s: %w", account.ID, err)
		}
	}
	return nil
}

func snapshotHash(accountID string, balance int64, lastULID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", accountID, balance, lastULID)))
	return hex.EncodeToString(sum[:])
}
