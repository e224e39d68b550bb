package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionStore is the repository for Subscription rows.
type SubscriptionStore struct {
	db *pgxpool.Pool
}

const subscriptionColumns = `
	id, user_id, active, auto_renew, status, period_start, period_end,
	saved_payment_method_token, cancelled_at, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var cancelledAt pgtype.Timestamptz
	err := row.Scan(
		&s.ID, &s.UserID, &s.Active, &s.AutoRenew, &s.Status, &s.PeriodStart, &s.PeriodEnd,
		&s.SavedPaymentMethodToken, &cancelledAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		s.CancelledAt = &t
	}
	return &s, nil
}

// Create inserts a new Subscription row covering [periodStart, periodEnd).
func (s *SubscriptionStore) Create(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time, savedPaymentMethodToken string) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, active, auto_renew, status, period_start, period_end, saved_payment_method_token)
		VALUES ($1, $2, true, true, $3, $4, $5, $6)
		RETURNING `+subscriptionColumns,
		uuid.New(), userID, SubscriptionActive, periodStart, periodEnd, savedPaymentMethodToken)
	out, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return out, nil
}

// GetByUserID fetches the single Subscription belonging to userID.
func (s *SubscriptionStore) GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	out, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting subscription for user %s: %w", userID, err)
	}
	return out, nil
}

// ActivateOrExtend marks the subscription active and pushes period_end
// forward by one billing period, called on every successful recurring
// payment (new or renewal).
func (s *SubscriptionStore) ActivateOrExtend(ctx context.Context, id uuid.UUID, newPeriodEnd time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET active = true, status = $1, period_end = $2, cancelled_at = NULL, updated_at = now()
		WHERE id = $3`, SubscriptionActive, newPeriodEnd, id)
	if err != nil {
		return fmt.Errorf("activating/extending subscription %s: %w", id, err)
	}
	return nil
}

// UpdateSavedPaymentMethodToken replaces the saved payment method on file,
// used when a payment event carries a refreshed token for an existing
// subscription.
func (s *SubscriptionStore) UpdateSavedPaymentMethodToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.Exec(ctx, `UPDATE subscriptions SET saved_payment_method_token = $1, updated_at = now() WHERE id = $2`, token, id)
	if err != nil {
		return fmt.Errorf("updating saved payment method token for subscription %s: %w", id, err)
	}
	return nil
}

// MarkPastDue flags a subscription whose renewal charge failed, without yet
// deactivating the bound node — the Sweeper's grace-period handling decides
// when expiry actually happens.
func (s *SubscriptionStore) MarkPastDue(ctx context.Context, id uuid.UUID) error {
	// updated_at keeps the time the subscription first went past due, which
	// the Sweeper's grace window is measured from.
	_, err := s.db.Exec(ctx, `UPDATE subscriptions SET status = $1, updated_at = CASE WHEN status = $1 THEN updated_at ELSE now() END WHERE id = $2`, SubscriptionPastDue, id)
	if err != nil {
		return fmt.Errorf("marking subscription %s past due: %w", id, err)
	}
	return nil
}

// MarkExpired deactivates a subscription whose period has lapsed with no
// successful renewal.
func (s *SubscriptionStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET active = false, status = $1, updated_at = now() WHERE id = $2`,
		SubscriptionExpired, id)
	if err != nil {
		return fmt.Errorf("marking subscription %s expired: %w", id, err)
	}
	return nil
}

// Cancel flips auto_renew off without immediately deactivating; the
// subscription runs out its paid period.
func (s *SubscriptionStore) Cancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET auto_renew = false, status = $1, cancelled_at = $2, updated_at = now()
		WHERE id = $3`, SubscriptionCancelled, now, id)
	if err != nil {
		return fmt.Errorf("cancelling subscription %s: %w", id, err)
	}
	return nil
}

// ListDueForRenewal returns active, auto-renewing subscriptions whose
// period_end falls within the lookahead window — the Sweeper's renewal
// candidates.
func (s *SubscriptionStore) ListDueForRenewal(ctx context.Context, before time.Time) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE active = true AND auto_renew = true AND period_end <= $1`, before)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions due for renewal: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListDueForExpiry returns subscriptions whose period has already ended and
// which have not renewed — the Sweeper's expiry candidates.
func (s *SubscriptionStore) ListDueForExpiry(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE active = true AND period_end < $1 AND status <> $2`, asOf, SubscriptionExpired)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions due for expiry: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
