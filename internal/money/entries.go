package money

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/ledger"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

// buildEntries constructs the canonical ledger entries for an event (spec
// §4.4 "Ledger patterns"). feeCents is the platform's cut, already computed
// by the injected FeeFunc; it is ignored by events that do not release funds.
func buildEntries(tx *gorm.DB, t store.Task, event EventType, feeCents int64, evCtx map[string]interface{}) ([]ledger.Entry, string, error) {
	switch event {
	case HoldEscrow:
		return holdEscrowEntries(tx, t)
	case ReleasePayout, DisputeResolveRelease:
		return releasePayoutEntries(tx, t, feeCents)
	case RefundEscrow, DisputeResolveRefund:
		return refundEscrowEntries(tx, t)
	case DisputeResolveSplit:
		return disputeSplitEntries(tx, t, feeCents, evCtx)
	case DisputeOpen:
		// No funds move; the escrow stays held but locked. Callers only
		// reach the ledger prepare/commit path for money-moving events, so
		// this is never actually invoked for DISPUTE_OPEN (handled earlier
		// in the caller by skipping entries when the list is empty).
		return nil, "dispute_open", nil
	default:
		return nil, "", fmt.Errorf("money: no ledger pattern for event %q", event)
	}
}

// holdEscrowEntries: debit Poster Receivable, credit Task Escrow, gross.
func holdEscrowEntries(tx *gorm.DB, t store.Task) ([]ledger.Entry, string, error) {
	poster, err := posterReceivable(tx, t.PosterID)
	if err != nil {
		return nil, "", err
	}
	escrow, err := taskEscrow(tx, t.ID)
	if err != nil {
		return nil, "", err
	}
	return []ledger.Entry{
		{AccountID: poster.ID, Direction: store.Debit, AmountCents: t.PriceCents},
		{AccountID: escrow.ID, Direction: store.Credit, AmountCents: t.PriceCents},
	}, "hold_escrow", nil
}

// releasePayoutEntries: debit Task Escrow (gross), split credits to
// Platform Revenue (fee) and Hustler Receivable (net).
func releasePayoutEntries(tx *gorm.DB, t store.Task, feeCents int64) ([]ledger.Entry, string, error) {
	if t.HustlerID == nil {
		return nil, "", fmt.Errorf("money: task %s has no hustler assigned", t.ID)
	}
	if feeCents < 0 || feeCents > t.PriceCents {
		return nil, "", fmt.Errorf("money: fee %d out of range for price %d", feeCents, t.PriceCents)
	}
	escrow, err := taskEscrow(tx, t.ID)
	if err != nil {
		return nil, "", err
	}
	revenue, err := platformRevenue(tx)
	if err != nil {
		return nil, "", err
	}
	hustler, err := hustlerReceivable(tx, *t.HustlerID)
	if err != nil {
		return nil, "", err
	}
	netCents := t.PriceCents - feeCents
	entries := []ledger.Entry{
		{AccountID: escrow.ID, Direction: store.Debit, AmountCents: t.PriceCents},
	}
	if feeCents > 0 {
		entries = append(entries, ledger.Entry{AccountID: revenue.ID, Direction: store.Credit, AmountCents: feeCents})
	}
	if netCents > 0 {
		entries = append(entries, ledger.Entry{AccountID: hustler.ID, Direction: store.Credit, AmountCents: netCents})
	}
	return entries, "release_payout", nil
}

// refundEscrowEntries: debit Task Escrow, credit Poster Receivable, gross.
func refundEscrowEntries(tx *gorm.DB, t store.Task) ([]ledger.Entry, string, error) {
	escrow, err := taskEscrow(tx, t.ID)
	if err != nil {
		return nil, "", err
	}
	poster, err := posterReceivable(tx, t.PosterID)
	if err != nil {
		return nil, "", err
	}
	return []ledger.Entry{
		{AccountID: escrow.ID, Direction: store.Debit, AmountCents: t.PriceCents},
		{AccountID: poster.ID, Direction: store.Credit, AmountCents: t.PriceCents},
	}, "refund_escrow", nil
}

// disputeSplitEntries: one compound transaction, debit Task Escrow for the
// gross amount, credit Hustler Receivable and Poster Receivable per the
// admin's resolved split. release_cents + refund_cents must equal gross.
func disputeSplitEntries(tx *gorm.DB, t store.Task, feeCents int64, evCtx map[string]interface{}) ([]ledger.Entry, string, error) {
	releaseCents, _ := contextInt64(evCtx, "release_cents")
	refundCents, _ := contextInt64(evCtx, "refund_cents")
	if releaseCents+refundCents != t.PriceCents {
		return nil, "", fmt.Errorf("money: dispute split %d+%d does not sum to gross %d", releaseCents, refundCents, t.PriceCents)
	}
	escrow, err := taskEscrow(tx, t.ID)
	if err != nil {
		return nil, "", err
	}
	entries := []ledger.Entry{
		{AccountID: escrow.ID, Direction: store.Debit, AmountCents: t.PriceCents},
	}
	if releaseCents > 0 {
		if t.HustlerID == nil {
			return nil, "", fmt.Errorf("money: task %s has no hustler assigned", t.ID)
		}
		netCents := releaseCents - feeCents
		if feeCents > 0 && netCents >= 0 {
			revenue, err := platformRevenue(tx)
			if err != nil {
				return nil, "", err
			}
			entries = append(entries, ledger.Entry{AccountID: revenue.ID, Direction: store.Credit, AmountCents: feeCents})
		} else {
			netCents = releaseCents
		}
		if netCents > 0 {
			hustler, err := hustlerReceivable(tx, *t.HustlerID)
			if err != nil {
				return nil, "", err
			}
			entries = append(entries, ledger.Entry{AccountID: hustler.ID, Direction: store.Credit, AmountCents: netCents})
		}
	}
	if refundCents > 0 {
		poster, err := posterReceivable(tx, t.PosterID)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, ledger.Entry{AccountID: poster.ID, Direction: store.Credit, AmountCents: refundCents})
	}
	return entries, "dispute_resolve_split", nil
}
