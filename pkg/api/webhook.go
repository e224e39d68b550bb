package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/assignment"
	"github.com/fleetward/nodewarden/pkg/collab/payment"
)

// handlePaymentWebhook decodes an inbound payment-gateway delivery and acts
// on payment.succeeded events; other event types are logged and acknowledged
// but otherwise ignored — refunds/cancellations are a separate collaborator
// surface not yet wired into this handler. Delivery is at-least-once, so
// every payment.succeeded event is recorded against its external_payment_id before the
// coordinator runs, and an event whose Payment row already succeeded is a
// no-op — no second deploy is spawned on a replay.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var event payment.WebhookEvent
	if err := httpserver.Decode(r, &event); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errCodeBadRequest, msgWebhookBadPayload)
		return
	}

	if event.Type != payment.EventPaymentSucceeded {
		h.Logger.Info("payment webhook received, no action taken", "type", event.Type)
		httpserver.Respond(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errCodeBadRequest, "user_id is not a valid UUID")
		return
	}

	paymentRow, alreadySucceeded, err := h.recordPayment(r.Context(), event, userID)
	if err != nil {
		h.Logger.Error("recording payment webhook", "external_payment_id", event.ExternalPaymentID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "recording payment failed")
		return
	}
	if alreadySucceeded {
		h.Logger.Info("payment webhook replay, already succeeded", "external_payment_id", event.ExternalPaymentID)
		httpserver.Respond(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	err = h.Coordinator.HandlePaymentSucceeded(r.Context(), assignment.PaymentSucceededEvent{
		UserID:                  userID,
		IdempotencyKey:          event.ExternalPaymentID,
		SavedPaymentMethodToken: metadataString(event.Metadata, "saved_payment_method_token"),
		BotToken:                metadataString(event.Metadata, "bot_token"),
		SelectedModel:           metadataString(event.Metadata, "selected_model"),
	})
	if err != nil {
		h.Logger.Error("handling payment succeeded webhook", "user_id", userID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "assigning node failed")
		return
	}

	if err := h.Payments.MarkSucceeded(r.Context(), paymentRow.ID); err != nil {
		h.Logger.Error("marking payment succeeded", "payment_id", paymentRow.ID, "error", err)
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"received": true})
}

// recordPayment resolves the Payment row for event.ExternalPaymentID,
// creating it if this is the first delivery. external_payment_id is unique,
// so two concurrent deliveries racing to create the same row both pass the
// GetByExternalID check with existing==nil, but only one Create wins — the
// loser re-reads the row the winner inserted instead of erroring.
func (h *Handler) recordPayment(ctx context.Context, event payment.WebhookEvent, userID uuid.UUID) (row *store.Payment, alreadySucceeded bool, err error) {
	existing, err := h.Payments.GetByExternalID(ctx, event.ExternalPaymentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, existing.Status == store.PaymentSucceeded, nil
	}

	created, err := h.Payments.Create(ctx, userID, event.AmountCents, event.Currency, metadataBool(event.Metadata, "is_recurring"), event.ExternalPaymentID)
	if err != nil {
		existing, getErr := h.Payments.GetByExternalID(ctx, event.ExternalPaymentID)
		if getErr == nil {
			return existing, existing.Status == store.PaymentSucceeded, nil
		}
		return nil, false, err
	}
	return created, false, nil
}

// metadataString reads an optional string field out of a webhook event's
// free-form metadata, returning "" for anything absent or non-string.
func metadataString(metadata map[string]any, key string) string {
	v, ok := metadata[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// metadataBool reads an optional bool field out of a webhook event's
// free-form metadata, returning false for anything absent or non-bool.
func metadataBool(metadata map[string]any, key string) bool {
	v, ok := metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
