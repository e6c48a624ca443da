// Package idgen mints the two id flavours spec §3 requires: UUIDs for
// domain entities and lexicographically sortable ULIDs for ledger
// transactions, prepares, and event ids.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUID mints a random domain-entity id.
func NewUUID() uuid.UUID {
	return uuid.New()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID mints a sortable 128-bit id. A single monotonic entropy source
// guarantees ids minted within the same millisecond still sort by creation
// order, which matters for ledger_transactions and money/PSP event ids.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
