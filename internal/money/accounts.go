package money

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// PlatformOwnerID is the fixed owner id for platform-scoped ledger accounts
// (Platform Revenue, Platform Cash). Never assigned to a real user or task.
var PlatformOwnerID = uuid.Nil

// Well-known account names (spec §4.4 ledger patterns).
const (
	AcctPosterReceivable = "Poster Receivable"
	AcctHustlerReceivable = "Hustler Receivable"
	AcctTaskEscrow        = "Task Escrow"
	AcctPlatformRevenue   = "Platform Revenue"
)

// resolveAccount finds or creates the ledger account identified by
// (ownerType, ownerID, name), locking it for update so the caller can apply
// a balance delta in the same transaction without a second round trip.
func resolveAccount(tx *gorm.DB, ownerType store.AccountOwnerType, ownerID uuid.UUID, acctType store.AccountType, name string) (*store.LedgerAccount, error) {
	var account store.LedgerAccount
	err := tx.Where("owner_type = ? AND owner_id = ? AND name = ?", ownerType, ownerID, name).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("money: lookup account %s/%s/%s: %w", ownerType, ownerID, name, err)
	}
	account = store.LedgerAccount{
		ID:        idgen.NewUUID(),
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Type:      acctType,
		Currency:  "USD",
		Name:      name,
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("money: create account %s/%s/%s: %w", ownerType, ownerID, name, err)
	}
	return &account, nil
}

func posterReceivable(tx *gorm.DB, posterID uuid.UUID) (*store.LedgerAccount, error) {
	return resolveAccount(tx, store.OwnerUser, posterID, store.AccountAsset, AcctPosterReceivable)
}

func hustlerReceivable(tx *gorm.DB, hustlerID uuid.UUID) (*store.LedgerAccount, error) {
	return resolveAccount(tx, store.OwnerUser, hustlerID, store.AccountAsset, AcctHustlerReceivable)
}

func taskEscrow(tx *gorm.DB, taskID uuid.UUID) (*store.LedgerAccount, error) {
	return resolveAccount(tx, store.OwnerTask, taskID, store.AccountLiability, AcctTaskEscrow)
}

func platformRevenue(tx *gorm.DB) (*store.LedgerAccount, error) {
	return resolveAccount(tx, store.OwnerPlatform, PlatformOwnerID, store.AccountEquity, AcctPlatformRevenue)
}
