package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PaymentStore is the repository for Payment rows. Payment status only ever
// moves forward — pending to one of succeeded/canceled/refunded — and
// external_payment_id is unique so webhook retries are idempotent.
type PaymentStore struct {
	db *pgxpool.Pool
}

const paymentColumns = `id, user_id, amount_cents, currency, status, is_recurring, external_payment_id, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.UserID, &p.AmountCents, &p.Currency, &p.Status, &p.IsRecurring, &p.ExternalPaymentID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a pending Payment row. Callers must have already reserved
// externalPaymentID with the payment processor.
func (s *PaymentStore) Create(ctx context.Context, userID uuid.UUID, amountCents int64, currency string, isRecurring bool, externalPaymentID string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, amount_cents, currency, status, is_recurring, external_payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+paymentColumns,
		uuid.New(), userID, amountCents, currency, PaymentPending, isRecurring, externalPaymentID)
	p, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("inserting payment: %w", err)
	}
	return p, nil
}

// GetByExternalID looks up a Payment by the processor's idempotency key,
// the first thing every webhook handler does before acting on an event.
func (s *PaymentStore) GetByExternalID(ctx context.Context, externalPaymentID string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_payment_id = $1`, externalPaymentID)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting payment by external id: %w", err)
	}
	return p, nil
}

// MarkSucceeded transitions a pending Payment to succeeded. It is a no-op
// (returns nil, no error) if the row is already succeeded, since webhook
// delivery is at-least-once.
func (s *PaymentStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE payments SET status = $1 WHERE id = $2 AND status = $3`,
		PaymentSucceeded, id, PaymentPending)
	if err != nil {
		return fmt.Errorf("marking payment %s succeeded: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		// Already succeeded, canceled, or refunded — leave it alone.
		return nil
	}
	return nil
}

// MarkCanceled transitions a pending Payment to canceled.
func (s *PaymentStore) MarkCanceled(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET status = $1 WHERE id = $2 AND status = $3`, PaymentCanceled, id, PaymentPending)
	if err != nil {
		return fmt.Errorf("marking payment %s canceled: %w", id, err)
	}
	return nil
}

// MarkRefunded transitions a succeeded Payment to refunded.
func (s *PaymentStore) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET status = $1 WHERE id = $2 AND status = $3`, PaymentRefunded, id, PaymentSucceeded)
	if err != nil {
		return fmt.Errorf("marking payment %s refunded: %w", id, err)
	}
	return nil
}
