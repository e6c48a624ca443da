package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var serializableOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open connects to Postgres, runs AutoMigrate for every gorm model, and then
// applies the embedded trigger/function migrations AutoMigrate cannot
// express. Mirrors the reference services' gorm.Open + AutoMigrate startup
// sequence, extended with the raw-SQL layer Postgres-only invariants need.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	if err := applyRawMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates every table the ledger service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Task{},
		&Proof{},
		&MoneyStateLock{},
		&LedgerAccount{},
		&LedgerTransaction{},
		&LedgerEntry{},
		&LedgerPrepare{},
		&LedgerGlobalSequence{},
		&LedgerSnapshot{},
		&PSPOutboundLog{},
		&MoneyEventProcessed{},
		&ProcessedPSPEvent{},
		&ProcessedSubscriptionEvent{},
		&MoneyEventAudit{},
		&XPLedger{},
		&Dispute{},
		&BadgeLedger{},
		&TrustLedger{},
		&StrikeLedger{},
		&AdminActions{},
		&KillSwitch{},
		&IdempotencyResponse{},
		&OutboxJob{},
	)
}

// applyRawMigrations executes every embedded .sql file in lexical order.
// Postgres DDL for CREATE [OR REPLACE] FUNCTION / TRIGGER is idempotent by
// construction here (DROP TRIGGER IF EXISTS, CREATE OR REPLACE FUNCTION),
// so re-running this on every boot is safe.
func applyRawMigrations(db *gorm.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		contents, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		if err := db.Exec(string(contents)).Error; err != nil {
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// WithSerializable runs fn inside a SERIALIZABLE transaction, matching the
// isolation level spec §5 requires for every money path. Serialization
// failures are returned to the caller untouched; callers must re-read state
// before retrying rather than blindly retrying (spec §5, §7).
func WithSerializable(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn, serializableOpts)
}
