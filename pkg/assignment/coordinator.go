// Package assignment is the Assignment Coordinator: turns a successful
// payment into a bound, deployed Node, or — when the pool is empty — a
// durable slow-path request an admin is notified about.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/collab/adminnotify"
	"github.com/fleetward/nodewarden/pkg/collab/messaging"
	"github.com/fleetward/nodewarden/pkg/collab/saleschatbot"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/lifecycle"
	"github.com/fleetward/nodewarden/pkg/provider"
)

// PaymentSucceededEvent carries the fields the coordinator needs out of a
// payment-gateway webhook delivery. BotToken and SelectedModel come from
// the event's metadata and are copied onto the user's profile; either may
// be empty on a renewal where the user isn't changing either setting.
type PaymentSucceededEvent struct {
	UserID                  uuid.UUID
	IdempotencyKey          string
	SavedPaymentMethodToken string
	BotToken                string
	SelectedModel           string
}

// Coordinator implements the node-assignment sequence that runs on a
// successful payment.
type Coordinator struct {
	Nodes             *store.NodeStore
	Users             *store.UserStore
	Profiles          *store.ProfileStore
	Subscriptions     *store.SubscriptionStore
	Lifecycle         *lifecycle.Controller
	ModelRouter       *provider.ModelRouter
	Lock              *lock.NodeLock
	SlowPath          *SlowPathQueue
	AdminNotify       adminnotify.Notifier
	MessagingValidator messaging.Validator
	SalesChatbot      saleschatbot.Notifier
	Logger            *slog.Logger

	DefaultModel       string
	DefaultMonthlyLimitUSD float64
}

// HandlePaymentSucceeded assigns a node to the user behind event: it
// activates or extends the subscription, copies any bot token or model
// choice carried in the event's metadata onto the profile, and either
// re-enables an existing binding's model-router key or claims a fresh
// node and deploys onto it. It is safe to call more than once for the
// same user — an existing non-deactivated node just re-enables the key —
// and the per-node lock makes two concurrent deliveries for different
// users never race over the same pool candidate.
func (c *Coordinator) HandlePaymentSucceeded(ctx context.Context, event PaymentSucceededEvent) error {
	if err := c.ensureSubscription(ctx, event); err != nil {
		return err
	}

	profile, err := c.ensureProfile(ctx, event.UserID)
	if err != nil {
		return err
	}
	profile, err = c.applyProfileMetadata(ctx, profile, event)
	if err != nil {
		return err
	}

	existing, err := c.Nodes.GetByUser(ctx, event.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking existing node for user %s: %w", event.UserID, err)
	}
	if existing != nil {
		if err := c.ModelRouter.Enable(ctx, profile.ModelRouterKeyID); err != nil {
			return fmt.Errorf("re-enabling model router key for user %s: %w", event.UserID, err)
		}
		c.Logger.Info("user already has a node, re-enabled model router key", "user_id", event.UserID, "node_id", existing.ID)
		return nil
	}

	candidate, warmed, err := c.pickCandidate(ctx)
	if err != nil {
		return err
	}
	if candidate == nil {
		return c.deferToSlowPath(ctx, event)
	}

	handle, err := c.Lock.TryLock(ctx, candidate.ID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			// Another operation is already working this node; treat it as
			// no capacity for this attempt rather than racing it.
			return c.deferToSlowPath(ctx, event)
		}
		return fmt.Errorf("locking candidate node %s: %w", candidate.ID, err)
	}
	defer func() {
		if err := handle.Unlock(ctx); err != nil {
			c.Logger.Error("releasing node lock", "node_id", candidate.ID, "error", err)
		}
	}()

	spec := convergence.DesiredSpec{
		ProviderCredential: profile.ModelRouterKey,
		ChannelToken:       profile.BotToken,
		ActiveModel:        profile.SelectedModel,
		DMPolicy:           "pairing",
		ExtensionEnabled:   profile.ExtensionEnabled,
		SearchAdapter:      true,
	}

	result, err := c.Lifecycle.Deploy(ctx, candidate.ID, event.UserID, spec, warmed)
	if err != nil {
		c.notifyAdmin(ctx, fmt.Sprintf("deploy failed for user %s on node %s: %v", event.UserID, candidate.ID, err))
		return err
	}
	if !result.Verified {
		c.notifyAdmin(ctx, fmt.Sprintf("deploy did not verify for user %s on node %s: %v", event.UserID, candidate.ID, result.Failures))
		return fmt.Errorf("deploy verification failed for node %s: %v", candidate.ID, result.Failures)
	}

	c.Logger.Info("node assigned and deployed", "user_id", event.UserID, "node_id", candidate.ID)
	c.notifyReady(ctx, profile)
	return nil
}

// ensureSubscription activates a fresh subscription or extends an existing
// one by one billing period, persisting a refreshed saved payment method
// token when the event carries one.
func (c *Coordinator) ensureSubscription(ctx context.Context, event PaymentSucceededEvent) error {
	now := time.Now()
	periodEnd := now.AddDate(0, 1, 0)

	sub, err := c.Subscriptions.GetByUserID(ctx, event.UserID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := c.Subscriptions.Create(ctx, event.UserID, now, periodEnd, event.SavedPaymentMethodToken); err != nil {
			return fmt.Errorf("creating subscription for user %s: %w", event.UserID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting subscription for user %s: %w", event.UserID, err)
	}

	if err := c.Subscriptions.ActivateOrExtend(ctx, sub.ID, periodEnd); err != nil {
		return fmt.Errorf("activating subscription for user %s: %w", event.UserID, err)
	}
	if event.SavedPaymentMethodToken != "" && event.SavedPaymentMethodToken != sub.SavedPaymentMethodToken {
		if err := c.Subscriptions.UpdateSavedPaymentMethodToken(ctx, sub.ID, event.SavedPaymentMethodToken); err != nil {
			return fmt.Errorf("updating saved payment method for user %s: %w", event.UserID, err)
		}
	}
	return nil
}

// applyProfileMetadata copies a payment event's bot_token and
// selected_model onto the profile, validating a fresh bot token against
// the messaging-channel collaborator before it's trusted. Returns the
// profile with the overrides already reflected so the caller doesn't need
// a second read.
func (c *Coordinator) applyProfileMetadata(ctx context.Context, profile *store.UserProfile, event PaymentSucceededEvent) (*store.UserProfile, error) {
	if event.BotToken != "" && event.BotToken != profile.BotToken {
		username := profile.BotUsername
		if c.MessagingValidator != nil {
			info, err := c.MessagingValidator.ValidateBotToken(ctx, event.BotToken)
			if err != nil {
				return nil, fmt.Errorf("validating bot token for user %s: %w", event.UserID, err)
			}
			username = info.Username
		}
		if err := c.Profiles.UpdateBotCredentials(ctx, event.UserID, event.BotToken, username); err != nil {
			return nil, fmt.Errorf("persisting bot credentials for user %s: %w", event.UserID, err)
		}
		profile.BotToken = event.BotToken
		profile.BotUsername = username
	}

	if event.SelectedModel != "" && event.SelectedModel != profile.SelectedModel {
		if err := c.Profiles.UpdateSelectedModel(ctx, event.UserID, event.SelectedModel); err != nil {
			return nil, fmt.Errorf("persisting selected model for user %s: %w", event.UserID, err)
		}
		profile.SelectedModel = event.SelectedModel
	}

	return profile, nil
}

func (c *Coordinator) pickCandidate(ctx context.Context) (node *store.Node, warmed bool, err error) {
	available, err := c.Nodes.ListAvailable(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("listing available nodes: %w", err)
	}
	if len(available) > 0 {
		return available[0], true, nil
	}
	return nil, false, nil
}

func (c *Coordinator) ensureProfile(ctx context.Context, userID uuid.UUID) (*store.UserProfile, error) {
	profile, err := c.Profiles.GetByUserID(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("getting profile for user %s: %w", userID, err)
	}

	user, err := c.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting user %s for model router label: %w", userID, err)
	}

	key, err := c.ModelRouter.CreateKey(ctx, user.Email, c.DefaultMonthlyLimitUSD)
	if err != nil {
		return nil, fmt.Errorf("creating model router key for user %s: %w", userID, err)
	}

	profile, err = c.Profiles.Create(ctx, userID, c.DefaultModel, c.DefaultMonthlyLimitUSD, key.Secret, key.Handle)
	if err != nil {
		return nil, fmt.Errorf("persisting profile for user %s: %w", userID, err)
	}
	return profile, nil
}

func (c *Coordinator) deferToSlowPath(ctx context.Context, event PaymentSucceededEvent) error {
	if err := c.SlowPath.Enqueue(ctx, event.UserID); err != nil {
		return fmt.Errorf("enqueuing slow-path request for user %s: %w", event.UserID, err)
	}
	c.Logger.Warn("no pool capacity, deferred to slow path", "user_id", event.UserID)
	c.notifyAdmin(ctx, fmt.Sprintf("no pool capacity for user %s — queued for manual/background assignment", event.UserID))
	return nil
}

func (c *Coordinator) notifyAdmin(ctx context.Context, message string) {
	if c.AdminNotify == nil {
		return
	}
	if err := c.AdminNotify.Notify(ctx, message); err != nil {
		c.Logger.Error("admin notification failed", "error", err)
	}
}

func (c *Coordinator) notifyReady(ctx context.Context, profile *store.UserProfile) {
	if c.SalesChatbot == nil || profile.BotUsername == "" {
		return
	}
	if err := c.SalesChatbot.NotifyReady(ctx, profile.UserID.String(), profile.BotUsername); err != nil {
		c.Logger.Error("sales chatbot ready notification failed", "user_id", profile.UserID, "error", err)
	}
}
