// Package httpapi wires the ledger service's inbound HTTP surface: the PSP
// webhook, task/proof lifecycle calls, and dispute adjudication, each
// routed through MoneyStateMachine.Handle or the supporting services
// rather than touching the ledger directly.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Sebdysart/hustlexp-ledger/internal/adminauth"
	"github.com/Sebdysart/hustlexp-ledger/internal/dispute"
	"github.com/Sebdysart/hustlexp-ledger/internal/idgen"
	"github.com/Sebdysart/hustlexp-ledger/internal/money"
	"github.com/Sebdysart/hustlexp-ledger/internal/replay"
)

// Config bundles the service's dependencies for routing.
type Config struct {
	Money    *money.Engine
	Dispute  *dispute.Service
	Replay   *replay.Cache
	AdminJWT *adminauth.Verifier
}

// New builds the chi router for the ledger service.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Handle("/psp", cfg.Replay.Wrap(http.HandlerFunc(handlePSPWebhook(cfg.Money))))
	})

	r.Route("/v1/disputes", func(r chi.Router) {
		r.Handle("/", cfg.Replay.Wrap(http.HandlerFunc(handleOpenDispute(cfg.Dispute))))
		r.Handle("/{disputeID}/resolve", cfg.Replay.Wrap(http.HandlerFunc(handleResolveDispute(cfg.Dispute, cfg.AdminJWT))))
	})

	return r
}

type pspWebhookPayload struct {
	EventID         string                 `json:"event_id"`
	TaskID          uuid.UUID              `json:"task_id"`
	Type            string                 `json:"type"`
	PaymentIntentID string                 `json:"payment_intent_id,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

func handlePSPWebhook(engine *money.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload pspWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid webhook payload", http.StatusBadRequest)
			return
		}
		evCtx := payload.Context
		if evCtx == nil {
			evCtx = map[string]interface{}{}
		}
		if payload.PaymentIntentID != "" {
			evCtx["payment_intent_id"] = payload.PaymentIntentID
		}
		result, err := engine.Handle(r.Context(), money.Event{
			ID:         idgen.NewULID(),
			ExternalID: payload.EventID,
			Type:       money.EventType(payload.Type),
			TaskID:     payload.TaskID,
			Context:    evCtx,
		})
		if err != nil {
			slog.ErrorContext(r.Context(), "psp webhook handling failed", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type openDisputePayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	PosterID  uuid.UUID `json:"poster_id"`
	HustlerID uuid.UUID `json:"hustler_id"`
	EscrowID  uuid.UUID `json:"escrow_id"`
	Reason    string    `json:"reason"`
}

func handleOpenDispute(svc *dispute.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload openDisputePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid dispute payload", http.StatusBadRequest)
			return
		}
		id, err := svc.Open(r.Context(), payload.TaskID, payload.PosterID, payload.HustlerID, payload.EscrowID, payload.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"dispute_id": id.String()})
	}
}

type resolveDisputePayload struct {
	Decision     dispute.Resolution `json:"decision"`
	ReleaseCents int64              `json:"release_cents"`
	RefundCents  int64              `json:"refund_cents"`
}

func handleResolveDispute(svc *dispute.Service, verifier *adminauth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := verifier.FromRequest(r)
		if err != nil {
			http.Error(w, "admin authentication required", http.StatusUnauthorized)
			return
		}
		disputeID, err := uuid.Parse(chi.URLParam(r, "disputeID"))
		if err != nil {
			http.Error(w, "invalid dispute id", http.StatusBadRequest)
			return
		}
		var payload resolveDisputePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid resolution payload", http.StatusBadRequest)
			return
		}
		if err := svc.Resolve(r.Context(), claims, disputeID, payload.Decision, payload.ReleaseCents, payload.RefundCents); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
