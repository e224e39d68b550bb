package assignment

import (
	"testing"

	"github.com/google/uuid"
)

func TestPaymentSucceededEventCarriesUserID(t *testing.T) {
	userID := uuid.New()
	event := PaymentSucceededEvent{UserID: userID, IdempotencyKey: "evt_123"}
	if event.UserID != userID {
		t.Errorf("UserID = %v, want %v", event.UserID, userID)
	}
	if event.IdempotencyKey == "" {
		t.Error("expected non-empty idempotency key")
	}
}
