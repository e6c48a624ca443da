// Package store holds the gorm models backing every entity in the data
// model plus the embedded migrations that layer Postgres-only invariants
// (triggers, a stored function, CHECK constraints) on top of AutoMigrate.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Trust tier bounds enforced both by a CHECK constraint (see migrations)
// and defensively in application code.
const (
	TrustTierMin = 1
	TrustTierMax = 4
)

// User mirrors spec §3: trust_tier, xp, level, streak, last_active_at.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TrustTier    int       `gorm:"not null;default:1;check:trust_tier BETWEEN 1 AND 4"`
	XP           int64     `gorm:"not null;default:0;check:xp >= 0"`
	Level        int       `gorm:"not null;default:1"`
	Streak       int       `gorm:"not null;default:0"`
	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskStatus enumerates the TaskStateMachine states (§4.5).
type TaskStatus string

const (
	TaskOpen            TaskStatus = "OPEN"
	TaskAccepted        TaskStatus = "ACCEPTED"
	TaskProofSubmitted  TaskStatus = "PROOF_SUBMITTED"
	TaskDisputed        TaskStatus = "DISPUTED"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskCancelled       TaskStatus = "CANCELLED"
	TaskExpired         TaskStatus = "EXPIRED"
)

// TaskTerminalStates are the statuses the terminal-immutability trigger guards.
var TaskTerminalStates = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskCancelled: true,
	TaskExpired:   true,
}

// Task mirrors spec §3.
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PosterID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	HustlerID   *uuid.UUID `gorm:"type:uuid;index"`
	PriceCents  int64      `gorm:"not null;check:price_cents > 0"`
	Status      TaskStatus `gorm:"type:varchar(32);not null;index"`
	Category    string     `gorm:"type:varchar(64)"`
	CreatedAt   time.Time
	AcceptedAt  *time.Time
	CompletedAt *time.Time
}

// ProofStatus enumerates the ProofStateMachine states (§4.5).
type ProofStatus string

const (
	ProofNone       ProofStatus = "none"
	ProofRequested  ProofStatus = "REQUESTED"
	ProofSubmitted  ProofStatus = "SUBMITTED"
	ProofAnalyzing  ProofStatus = "ANALYZING"
	ProofEscalated  ProofStatus = "ESCALATED"
	ProofAccepted   ProofStatus = "ACCEPTED"
	ProofRejected   ProofStatus = "REJECTED"
	ProofLocked     ProofStatus = "LOCKED"
)

// FrozenProofStates are the states during which RELEASE_PAYOUT must be refused (§4.5 freeze rule).
var FrozenProofStates = map[ProofStatus]bool{
	ProofRequested: true,
	ProofSubmitted: true,
	ProofAnalyzing: true,
	ProofEscalated: true,
}

// Proof records the append-only proof state log for a task.
type Proof struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	TaskID    uuid.UUID   `gorm:"type:uuid;not null;index"`
	Status    ProofStatus `gorm:"type:varchar(32);not null"`
	Detail    string      `gorm:"type:text"`
	CreatedAt time.Time
}

// MoneyState enumerates the MoneyStateMachine states (§4.4).
type MoneyState string

const (
	MoneyPending       MoneyState = "pending"
	MoneyHeld          MoneyState = "held"
	MoneyReleased      MoneyState = "released"
	MoneyRefunded      MoneyState = "refunded"
	MoneyLockedDispute MoneyState = "locked_dispute"
	MoneyFailed        MoneyState = "failed"
)

// MoneyTerminalStates are the states the terminal-immutability trigger guards.
var MoneyTerminalStates = map[MoneyState]bool{
	MoneyReleased: true,
	MoneyRefunded: true,
}

// MoneyStateLock mirrors spec §3: one row per task, row-locked during transitions.
type MoneyStateLock struct {
	TaskID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	CurrentState       MoneyState `gorm:"type:varchar(32);not null"`
	NextAllowedEvents  JSON       `gorm:"type:jsonb"`
	Version            int64      `gorm:"not null;default:0"`
	PSPPaymentIntentID *string
	PSPChargeID        *string
	RecoveryAttempts   int `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AccountOwnerType enumerates LedgerAccount.owner_type.
type AccountOwnerType string

const (
	OwnerPlatform AccountOwnerType = "platform"
	OwnerUser     AccountOwnerType = "user"
	OwnerTask     AccountOwnerType = "task"
)

// AccountType enumerates LedgerAccount.type.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountExpense   AccountType = "expense"
)

// LedgerAccount mirrors spec §3.
type LedgerAccount struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	OwnerType       AccountOwnerType `gorm:"type:varchar(16);not null"`
	OwnerID         uuid.UUID        `gorm:"type:uuid;not null;index"`
	Type            AccountType      `gorm:"type:varchar(16);not null"`
	Currency        string           `gorm:"type:varchar(3);not null;default:USD;check:currency = 'USD'"`
	Balance         int64            `gorm:"not null;default:0"`
	BaselineBalance int64            `gorm:"not null;default:0"`
	BaselineTxULID  string           `gorm:"type:varchar(26)"`
	Name            string           `gorm:"type:varchar(128);not null;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LedgerTxStatus enumerates LedgerTransaction.status.
type LedgerTxStatus string

const (
	TxPending   LedgerTxStatus = "pending"
	TxExecuting LedgerTxStatus = "executing"
	TxCommitted LedgerTxStatus = "committed"
	TxConfirmed LedgerTxStatus = "confirmed"
	TxFailed    LedgerTxStatus = "failed"
)

// LedgerTransaction mirrors spec §3; ID is a ULID string, sortable by creation order.
type LedgerTransaction struct {
	ID             string `gorm:"type:varchar(26);primaryKey"`
	Type           string `gorm:"type:varchar(64);not null"`
	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex"`
	Status         LedgerTxStatus `gorm:"type:varchar(16);not null"`
	Metadata       JSON           `gorm:"type:jsonb"`
	Description    string         `gorm:"type:text"`
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

// EntryDirection enumerates LedgerEntry.direction.
type EntryDirection string

const (
	Debit  EntryDirection = "debit"
	Credit EntryDirection = "credit"
)

// LedgerEntry mirrors spec §3. Append-only: guarded by a BEFORE UPDATE/DELETE trigger.
type LedgerEntry struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TransactionID string         `gorm:"type:varchar(26);not null;index"`
	AccountID     uuid.UUID      `gorm:"type:uuid;not null;index"`
	Direction     EntryDirection `gorm:"type:varchar(8);not null"`
	AmountCents   int64          `gorm:"not null;check:amount_cents > 0"`
	CreatedAt     time.Time
}

// LedgerPrepare mirrors spec §3: staged entries recorded before the PSP call.
type LedgerPrepare struct {
	ULID           string `gorm:"type:varchar(26);primaryKey"`
	IdempotencyKey string `gorm:"type:varchar(128);uniqueIndex;not null"`
	Type           string `gorm:"type:varchar(64);not null"`
	Metadata       JSON   `gorm:"type:jsonb"`
	EntriesSnapshot JSON  `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

// LedgerGlobalSequence mirrors spec §3: populated by an AFTER UPDATE trigger
// when a transaction transitions to committed.
type LedgerGlobalSequence struct {
	SeqID         int64  `gorm:"primaryKey;autoIncrement"`
	TransactionID string `gorm:"type:varchar(26);not null;index"`
	ULID          string `gorm:"type:varchar(26);not null"`
	CreatedAt     time.Time
	TxHash        string `gorm:"type:varchar(64)"`
}

// LedgerSnapshot mirrors spec §3: periodic checkpoint for fast balance verification.
type LedgerSnapshot struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Balance      int64     `gorm:"not null"`
	LastTxULID   string    `gorm:"type:varchar(26)"`
	SnapshotHash string    `gorm:"type:varchar(64)"`
	CreatedAt    time.Time
}

// PSPOutboundLog mirrors spec §3: the mirror of every successful outbound PSP call.
type PSPOutboundLog struct {
	IdempotencyKey string `gorm:"type:varchar(128);primaryKey"`
	PSPID          string `gorm:"type:varchar(128);not null"`
	Type           string `gorm:"type:varchar(64);not null"`
	Payload        JSON   `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

// MoneyEventProcessed mirrors spec §3: internal event-id dedup table.
type MoneyEventProcessed struct {
	EventID   string `gorm:"type:varchar(26);primaryKey"`
	TaskID    uuid.UUID `gorm:"type:uuid;not null;index"`
	CreatedAt time.Time
}

// ProcessedPSPEvent mirrors spec §3: external PSP event-id dedup table for
// payment money events. Subscription/entitlement events use a distinct
// table (ProcessedSubscriptionEvent, see §9 open question resolution).
type ProcessedPSPEvent struct {
	PSPEventID string `gorm:"type:varchar(128);primaryKey"`
	CreatedAt  time.Time
}

// ProcessedSubscriptionEvent mirrors the §9 open-question resolution: a
// separate dedup table, keyed by PSP event id, for subscription/entitlement
// webhooks so a collision on the numeric id space can never cross-dedupe
// against task money events.
type ProcessedSubscriptionEvent struct {
	PSPEventID string `gorm:"type:varchar(128);primaryKey"`
	CreatedAt  time.Time
}

// MoneyEventAudit mirrors spec §3: append-only audit trail of every transition.
type MoneyEventAudit struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID             string    `gorm:"type:varchar(26);not null;index"`
	TaskID              uuid.UUID `gorm:"type:uuid;not null;index"`
	EventType           string    `gorm:"type:varchar(64);not null"`
	PreviousState       string    `gorm:"type:varchar(32)"`
	NewState            string    `gorm:"type:varchar(32);not null"`
	RawContext          JSON      `gorm:"type:jsonb"`
	PSPPaymentIntentID  *string
	PSPChargeID         *string
	CreatedAt           time.Time
}

// XPLedger mirrors spec §3. The UNIQUE column on MoneyStateLockTaskID
// enforces exactly-once award per released escrow (INV-5).
type XPLedger struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID `gorm:"type:uuid;not null;index"`
	TaskID               uuid.UUID `gorm:"type:uuid;not null"`
	MoneyStateLockTaskID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	BaseXP               int64     `gorm:"not null"`
	DecayFactor          string    `gorm:"type:varchar(32);not null"`
	EffectiveXP          int64     `gorm:"not null"`
	StreakMultiplier     string    `gorm:"type:varchar(32);not null"`
	FinalXP              int64     `gorm:"not null"`
	Reason               string    `gorm:"type:varchar(64)"`
	CreatedAt            time.Time
}

// DisputeStatus enumerates Dispute.status (§4.7).
type DisputeStatus string

const (
	DisputeOpen         DisputeStatus = "open"
	DisputeUnderReview  DisputeStatus = "under_review"
	DisputeResolved     DisputeStatus = "resolved"
)

// Dispute mirrors spec §3.
type Dispute struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey"`
	TaskID     uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex"`
	PosterID   uuid.UUID     `gorm:"type:uuid;not null"`
	HustlerID  uuid.UUID     `gorm:"type:uuid;not null"`
	EscrowID   uuid.UUID     `gorm:"type:uuid;not null"`
	Status     DisputeStatus `gorm:"type:varchar(32);not null"`
	Evidence   JSON          `gorm:"type:jsonb"`
	Responses  JSON          `gorm:"type:jsonb"`
	Resolution *string       `gorm:"type:varchar(32)"`
	ResolvedBy *uuid.UUID    `gorm:"type:uuid"`
	LockedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BadgeLedger is an append-only log of badge grants, guarded by a
// BEFORE UPDATE/DELETE trigger (§4.1, P3).
type BadgeLedger struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	BadgeCode string    `gorm:"type:varchar(64);not null"`
	Reason    string    `gorm:"type:varchar(128)"`
	CreatedAt time.Time
}

// TrustLedger is an append-only log of every trust-tier change, with reason
// (§3, §9). Computed tiers are derived by folding this history plus the
// current user row; the application never overwrites a prior assessment.
type TrustLedger struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index"`
	FromTier    int       `gorm:"not null"`
	ToTier      int       `gorm:"not null;check:to_tier BETWEEN 1 AND 4"`
	Reason      string    `gorm:"type:varchar(128);not null"`
	AdminID     *uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
}

// StrikeLedger is an append-only log of disciplinary strikes issued as a
// side effect of dispute adjudication (§4.7).
type StrikeLedger struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index"`
	DisputeID  uuid.UUID `gorm:"type:uuid;not null"`
	Reason     string    `gorm:"type:varchar(128);not null"`
	CreatedAt  time.Time
}

// AdminActions is an append-only audit log of every admin-privileged action
// (dispute resolution, kill-switch toggles, manual reconciliation overrides).
type AdminActions struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AdminID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Action    string    `gorm:"type:varchar(64);not null"`
	Target    string    `gorm:"type:varchar(128)"`
	Detail    JSON      `gorm:"type:jsonb"`
	CreatedAt time.Time
}

// KillSwitch mirrors spec §3: single-row flag, id is always 1.
type KillSwitch struct {
	ID          int `gorm:"primaryKey"`
	Active      bool
	Reason      *string
	ActivatedAt *time.Time
	UpdatedAt   time.Time
}

// IdempotencyResponse backs the §4.8 HTTP idempotency-key cache: a key in
// "processing" yields 409, a key in "completed" replays the cached response
// for 24h (see internal/replay).
type IdempotencyResponse struct {
	Key            string `gorm:"type:varchar(128);primaryKey"`
	Status         string `gorm:"type:varchar(16);not null"`
	RequestHash    string `gorm:"type:varchar(64);not null"`
	ResponseStatus int
	ResponseBody   JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// OutboxJobStatus enumerates OutboxJob.status (§4.12).
type OutboxJobStatus string

const (
	OutboxPending   OutboxJobStatus = "pending"
	OutboxRunning   OutboxJobStatus = "running"
	OutboxCompleted OutboxJobStatus = "completed"
	OutboxFailed    OutboxJobStatus = "failed"
)

// OutboxJob mirrors spec §4.12: non-critical background side effects only;
// money events are never routed through this table.
type OutboxJob struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	JobType     string          `gorm:"type:varchar(64);not null;index"`
	Payload     JSON            `gorm:"type:jsonb"`
	Status      OutboxJobStatus `gorm:"type:varchar(16);not null;index"`
	RetryCount  int             `gorm:"not null;default:0"`
	NextRetryAt *time.Time
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
	CompletedAt *time.Time
}
