package ledger_test

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/ledger"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, acctType store.AccountType) store.LedgerAccount {
	t.Helper()
	account := store.LedgerAccount{
		ID: uuid.New(), OwnerType: store.OwnerPlatform, OwnerID: uuid.New(),
		Type: acctType, Name: "test",
	}
	require.NoError(t, db.Create(&account).Error)
	return account
}

// TestPrepareIsIdempotent covers the round-trip law: Prepare(k, p);
// Prepare(k, p) returns the same ULID and writes one row.
func TestPrepareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := ledger.New(db)
	debit := seedAccount(t, db, store.AccountAsset)
	credit := seedAccount(t, db, store.AccountLiability)
	entries := []ledger.Entry{
		{AccountID: debit.ID, Direction: store.Debit, AmountCents: 500},
		{AccountID: credit.ID, Direction: store.Credit, AmountCents: 500},
	}

	ulid1, existed1, err := engine.Prepare(ctx, "key-1", "test_tx", entries)
	require.NoError(t, err)
	require.False(t, existed1)

	ulid2, existed2, err := engine.Prepare(ctx, "key-1", "test_tx", entries)
	require.NoError(t, err)
	require.True(t, existed2)
	require.Equal(t, ulid1, ulid2)

	var count int64
	require.NoError(t, db.Model(&store.LedgerPrepare{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

// TestCommitIsZeroSumAndIdempotent covers P1 (zero-sum) and Commit's own
// idempotence: committing the same ULID twice changes nothing the second
// time.
func TestCommitIsZeroSumAndIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := ledger.New(db)
	debit := seedAccount(t, db, store.AccountAsset)
	credit := seedAccount(t, db, store.AccountLiability)
	entries := []ledger.Entry{
		{AccountID: debit.ID, Direction: store.Debit, AmountCents: 1200},
		{AccountID: credit.ID, Direction: store.Credit, AmountCents: 1200},
	}

	ulid, _, err := engine.Prepare(ctx, "key-2", "test_tx", entries)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, ulid))
	require.NoError(t, engine.Commit(ctx, ulid)) // idempotent re-commit

	var rows []store.LedgerEntry
	require.NoError(t, db.Where("transaction_id = ?", ulid).Find(&rows).Error)
	require.Len(t, rows, 2)

	var debits, credits int64
	for _, row := range rows {
		if row.Direction == store.Debit {
			debits += row.AmountCents
		} else {
			credits += row.AmountCents
		}
	}
	require.Equal(t, debits, credits)

	var debitAccount, creditAccount store.LedgerAccount
	require.NoError(t, db.Where("id = ?", debit.ID).First(&debitAccount).Error)
	require.NoError(t, db.Where("id = ?", credit.ID).First(&creditAccount).Error)
	require.Equal(t, int64(1200), debitAccount.Balance)
	require.Equal(t, int64(1200), creditAccount.Balance)
}

// TestReverseCommitRoundTrip covers the round-trip law:
// Reverse(Commit(T)) ∘ Commit(T) leaves balances equal to their pre-T
// values.
func TestReverseCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := ledger.New(db)
	debit := seedAccount(t, db, store.AccountAsset)
	credit := seedAccount(t, db, store.AccountLiability)
	entries := []ledger.Entry{
		{AccountID: debit.ID, Direction: store.Debit, AmountCents: 750},
		{AccountID: credit.ID, Direction: store.Credit, AmountCents: 750},
	}

	ulid, _, err := engine.Prepare(ctx, "key-3", "test_tx", entries)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, ulid))

	reverseULID, err := engine.Reverse(ctx, ulid, "test reversal")
	require.NoError(t, err)

	var debitAccount, creditAccount store.LedgerAccount
	require.NoError(t, db.Where("id = ?", debit.ID).First(&debitAccount).Error)
	require.NoError(t, db.Where("id = ?", credit.ID).First(&creditAccount).Error)
	require.Equal(t, int64(0), debitAccount.Balance)
	require.Equal(t, int64(0), creditAccount.Balance)

	var reversal store.LedgerTransaction
	require.NoError(t, db.Where("id = ?", reverseULID).First(&reversal).Error)
	require.JSONEq(t, `{"reason":"test reversal"}`, string(reversal.Metadata))
}
