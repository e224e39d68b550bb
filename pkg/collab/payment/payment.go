// Package payment specifies the payment-gateway collaborator: charging a
// saved payment method for subscription renewal, and the webhook event
// shapes the External API Surface decodes.
package payment

import "context"

// Gateway is the payment processor the core charges against for renewals.
// Charge must be idempotent per idempotencyKey: a retried call with the
// same key must not double-charge.
type Gateway interface {
	Charge(ctx context.Context, savedPaymentMethodToken string, amountCents int64, currency, idempotencyKey string) (externalPaymentID string, err error)
}

// WebhookEvent is the decoded shape of an inbound payment-gateway webhook,
// covering the fields the core acts on; everything else passes through
// Metadata untouched.
type WebhookEvent struct {
	Type              string         `json:"type"`
	ExternalPaymentID string         `json:"payment_id"`
	UserID            string         `json:"user_id"`
	AmountCents       int64          `json:"amount_cents"`
	Currency          string         `json:"currency"`
	Metadata          map[string]any `json:"metadata"`
}

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)
