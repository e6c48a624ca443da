package money

import (
	"github.com/google/uuid"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// EventType enumerates the events MoneyStateMachine.Handle accepts (§4.4).
type EventType string

const (
	HoldEscrow            EventType = "HOLD_ESCROW"
	ReleasePayout          EventType = "RELEASE_PAYOUT"
	RefundEscrow           EventType = "REFUND_ESCROW"
	DisputeOpen            EventType = "DISPUTE_OPEN"
	DisputeResolveRefund   EventType = "DISPUTE_RESOLVE_REFUND"
	DisputeResolveRelease  EventType = "DISPUTE_RESOLVE_RELEASE"
	DisputeResolveSplit    EventType = "DISPUTE_RESOLVE_SPLIT"
)

// Event is one inbound call to Handle.
type Event struct {
	// ID is the internal ULID identifying this event; required, deduped
	// against money_events_processed (§4.8 P9).
	ID string
	// ExternalID is the PSP event id, when this event originates from a
	// webhook; deduped separately against processed_psp_events.
	ExternalID string
	Type       EventType
	TaskID     uuid.UUID
	// Context carries event-specific data: payment_intent_id for
	// HOLD_ESCROW, destination for RELEASE_PAYOUT/DISPUTE_RESOLVE_RELEASE,
	// release_cents/refund_cents for DISPUTE_RESOLVE_SPLIT.
	Context map[string]interface{}
	// Resume marks this call as the Reaper finalizing an in-flight
	// transaction; it is exempt from the kill-switch block (§4.4 step 2).
	Resume bool
}

// Result is Handle's return value.
type Result struct {
	IdempotentReplay bool
	State            store.MoneyState
	TransactionID    string
	XPAwarded        bool
	FinalXP          int64
}

// nextAllowedEvents returns the edge table entry for a state (§4.4, §3
// money_state_lock.next_allowed_events).
func nextAllowedEvents(state store.MoneyState) []EventType {
	switch state {
	case store.MoneyPending:
		return []EventType{HoldEscrow}
	case store.MoneyHeld:
		return []EventType{ReleasePayout, RefundEscrow, DisputeOpen}
	case store.MoneyLockedDispute:
		return []EventType{DisputeResolveRefund, DisputeResolveRelease, DisputeResolveSplit}
	default:
		return nil
	}
}

// nextState resolves the edge table (§4.4): the state an event produces
// from a given current state, or false if the edge does not exist.
func nextState(current store.MoneyState, event EventType) (store.MoneyState, bool) {
	switch current {
	case store.MoneyPending:
		if event == HoldEscrow {
			return store.MoneyHeld, true
		}
	case store.MoneyHeld:
		switch event {
		case ReleasePayout:
			return store.MoneyReleased, true
		case RefundEscrow:
			return store.MoneyRefunded, true
		case DisputeOpen:
			return store.MoneyLockedDispute, true
		}
	case store.MoneyLockedDispute:
		switch event {
		case DisputeResolveRefund:
			return store.MoneyRefunded, true
		case DisputeResolveRelease, DisputeResolveSplit:
			return store.MoneyReleased, true
		}
	}
	return "", false
}

// releasesFunds reports whether event requires a PSP transfer to the
// hustler (spec §6 transfers.create).
func releasesFunds(event EventType) bool {
	return event == ReleasePayout || event == DisputeResolveRelease || event == DisputeResolveSplit
}

// refundsFunds reports whether event requires a PSP refund to the poster.
func refundsFunds(event EventType) bool {
	return event == RefundEscrow || event == DisputeResolveRefund || event == DisputeResolveSplit
}
