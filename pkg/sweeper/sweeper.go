// Package sweeper runs the daily renewal/expiry pass: auto-renewing
// subscriptions with a saved payment method, and winding down the ones
// that lapse without one.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/collab/adminnotify"
	"github.com/fleetward/nodewarden/pkg/collab/payment"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/provider"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

const sweepHour = 3 // local time

// pastDueGrace is how long a subscription stays past_due, retried daily,
// before the sweeper gives up and deactivates the node. A renewal charge
// failing once (a card that needs re-authing, a transient gateway error)
// shouldn't cost the user their node the same day it lapses.
const pastDueGrace = 72 * time.Hour

// Sweeper is the Renewal/Expiry Sweeper background loop.
type Sweeper struct {
	Subscriptions *store.SubscriptionStore
	Profiles      *store.ProfileStore
	Nodes         *store.NodeStore
	Payments      *store.PaymentStore
	Gateway       payment.Gateway
	ModelRouter   *provider.ModelRouter
	SSH           *sshdriver.Driver
	AdminNotify   adminnotify.Notifier
	Logger        *slog.Logger
}

// Run fires once a day at 03:00 local time until ctx is cancelled. A
// time.Ticker cannot express a wall-clock cadence, so each iteration
// computes the next fire time explicitly, mirroring how a daily cron
// command would be scheduled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Logger.Info("renewal sweeper started", "fire_hour", sweepHour)
	for {
		wait := nextFireDelay(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Logger.Info("renewal sweeper stopped")
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func nextFireDelay(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), sweepHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	renewed, renewErrors := s.processRenewals(ctx, now)
	deactivated := s.processExpirations(ctx, now)

	s.Logger.Info("renewal sweep complete", "renewed", renewed, "renew_errors", renewErrors, "deactivated", deactivated)
}

func (s *Sweeper) processRenewals(ctx context.Context, now time.Time) (renewed, errored int) {
	due, err := s.Subscriptions.ListDueForRenewal(ctx, now)
	if err != nil {
		s.Logger.Error("listing subscriptions due for renewal", "error", err)
		return 0, 0
	}

	for _, sub := range due {
		if err := s.renewOne(ctx, sub); err != nil {
			errored++
			s.Logger.Error("auto-renewal failed", "user_id", sub.UserID, "error", err)
			s.notifyAdmin(ctx, fmt.Sprintf("auto-renewal failed for user %s: %v", sub.UserID, err))
			continue
		}
		renewed++
	}
	return renewed, errored
}

func (s *Sweeper) renewOne(ctx context.Context, sub *store.Subscription) error {
	idempotencyKey := fmt.Sprintf("renewal-%s-%s", sub.ID, sub.PeriodEnd.Format("2006-01-02"))
	amountCents := int64(0) // plan pricing is resolved by the gateway from the saved payment method

	_, err := s.Gateway.Charge(ctx, sub.SavedPaymentMethodToken, amountCents, "usd", idempotencyKey)
	if err != nil {
		if markErr := s.Subscriptions.MarkPastDue(ctx, sub.ID); markErr != nil {
			s.Logger.Error("marking subscription past due", "subscription_id", sub.ID, "error", markErr)
		}
		return fmt.Errorf("charging saved payment method: %w", err)
	}

	newPeriodEnd := sub.PeriodEnd.AddDate(0, 1, 0)
	if err := s.Subscriptions.ActivateOrExtend(ctx, sub.ID, newPeriodEnd); err != nil {
		return fmt.Errorf("extending subscription period: %w", err)
	}
	return nil
}

func (s *Sweeper) processExpirations(ctx context.Context, now time.Time) (deactivated int) {
	due, err := s.Subscriptions.ListDueForExpiry(ctx, now)
	if err != nil {
		s.Logger.Error("listing subscriptions due for expiry", "error", err)
		return 0
	}

	for _, sub := range due {
		if sub.Status == store.SubscriptionPastDue && now.Sub(sub.UpdatedAt) < pastDueGrace {
			s.Logger.Info("subscription past due within grace period, retrying renewal tomorrow", "user_id", sub.UserID, "past_due_since", sub.UpdatedAt)
			continue
		}
		if err := s.expireOne(ctx, sub); err != nil {
			s.Logger.Error("expiring subscription failed", "user_id", sub.UserID, "error", err)
			continue
		}
		deactivated++
	}
	return deactivated
}

func (s *Sweeper) expireOne(ctx context.Context, sub *store.Subscription) error {
	if err := s.Subscriptions.MarkExpired(ctx, sub.ID); err != nil {
		return fmt.Errorf("marking subscription %s expired: %w", sub.ID, err)
	}
	if err := s.Profiles.UpdateSubscriptionStatusCache(ctx, sub.UserID, string(store.SubscriptionExpired)); err != nil {
		return fmt.Errorf("updating profile status cache for user %s: %w", sub.UserID, err)
	}

	if err := s.stopNode(ctx, sub.UserID); err != nil {
		s.Logger.Error("stopping node on expiry", "user_id", sub.UserID, "error", err)
	}

	if err := s.revokeModelRouterKey(ctx, sub.UserID); err != nil {
		s.Logger.Error("revoking model router key on expiry", "user_id", sub.UserID, "error", err)
	}

	s.notifyAdmin(ctx, fmt.Sprintf("subscription expired for user %s", sub.UserID))
	return nil
}

// stopNode stops the runtime container and marks the node deactivated
// without deleting the Node row. GetByUser skips deactivated nodes, so a
// later resubscription is assigned a different node rather than this one.
func (s *Sweeper) stopNode(ctx context.Context, userID uuid.UUID) error {
	n, err := s.Nodes.GetByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting node for user %s: %w", userID, err)
	}

	err = s.SSH.WithSession(ctx, n.ID.String(), n.IP, n.SSHPort, n.SSHUser, n.SSHPassword, func(sess *sshdriver.Session) error {
		shell := convergence.WrapSession(sess)
		_, err := shell.Exec(ctx, fmt.Sprintf("cd %s && docker compose down", n.RuntimeDir), 60*time.Second)
		return err
	})
	if err != nil {
		return fmt.Errorf("stopping runtime on node %s: %w", n.ID, err)
	}

	if err := s.Nodes.SetRuntimeRunning(ctx, n.ID, false); err != nil {
		return fmt.Errorf("marking node %s not running: %w", n.ID, err)
	}
	return s.Nodes.SetLifecycleState(ctx, n.ID, store.NodeDeactivated)
}

func (s *Sweeper) revokeModelRouterKey(ctx context.Context, userID uuid.UUID) error {
	profile, err := s.Profiles.GetByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting profile for user %s: %w", userID, err)
	}
	if profile.ModelRouterKeyID == "" {
		return nil
	}
	if err := s.ModelRouter.Disable(ctx, profile.ModelRouterKeyID); err != nil {
		return fmt.Errorf("disabling model router key for user %s: %w", userID, err)
	}
	return nil
}

func (s *Sweeper) notifyAdmin(ctx context.Context, message string) {
	if s.AdminNotify == nil {
		return
	}
	if err := s.AdminNotify.Notify(ctx, message); err != nil {
		s.Logger.Error("admin notification failed", "error", err)
	}
}
