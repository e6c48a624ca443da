// Package notify is the outbox handler for money-state-change
// notifications. It stands in for the actual notification delivery
// collaborator (push/email/SMS fan-out), which is outside this engine's
// scope (SPEC_FULL §10.2) — here it logs the dispatch so operators can
// confirm jobs drain.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Sebdysart/hustlexp-ledger/internal/store"
)

type moneyStateChanged struct {
	TaskID     string `json:"task_id"`
	EventType  string `json:"event_type"`
	PriorState string `json:"prior_state"`
	NewState   string `json:"new_state"`
	XPAwarded  bool   `json:"xp_awarded"`
}

// HandleMoneyStateChanged implements outbox.Handler for the
// notify.money_state_changed job type.
func HandleMoneyStateChanged(ctx context.Context, payload store.JSON) error {
	var ev moneyStateChanged
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	slog.InfoContext(ctx, "dispatching money state notification",
		slog.String("task_id", ev.TaskID),
		slog.String("event_type", ev.EventType),
		slog.String("prior_state", ev.PriorState),
		slog.String("new_state", ev.NewState),
		slog.Bool("xp_awarded", ev.XPAwarded),
	)
	return nil
}
