// Package store is the Node Store: hand-written raw-SQL pgx repositories for
// the five entities in the data model (User, Subscription, Payment, Node,
// UserProfile). There is no sqlc generation step here — queries are
// parameterized and written out by hand, in the style already shown in the
// teacher's roster and API-key stores.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuthProvider identifies which OAuth identity provider verified a User.
type AuthProvider string

const (
	AuthProviderGoogle AuthProvider = "google"
	AuthProviderApple  AuthProvider = "apple"
)

// User is a paying subscriber, uniquely identified by one OAuth identity.
type User struct {
	ID                 uuid.UUID
	Email              string
	AuthProvider        AuthProvider
	IdentityProviderID string
	CreatedAt          time.Time
}

// SubscriptionStatus enumerates Subscription.Status.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
)

// Subscription is a User's 1:1 billing record.
type Subscription struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	Active                 bool
	AutoRenew              bool
	Status                 SubscriptionStatus
	PeriodStart            time.Time
	PeriodEnd              time.Time
	SavedPaymentMethodToken string
	CancelledAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PaymentStatus enumerates Payment.Status.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is one payment attempt.
type Payment struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	AmountCents        int64
	Currency          string
	Status            PaymentStatus
	IsRecurring       bool
	ExternalPaymentID string
	CreatedAt         time.Time
}

// LifecycleState enumerates Node.LifecycleState.
type LifecycleState string

const (
	NodeCreating     LifecycleState = "creating"
	NodeProvisioning LifecycleState = "provisioning"
	NodeActive       LifecycleState = "active"
	NodeError        LifecycleState = "error"
	NodeDeactivated  LifecycleState = "deactivated"
)

// DeploymentStage enumerates Node.DeploymentStage, the user-visible
// sub-states of a bound node's deployment.
type DeploymentStage string

const (
	StageNone              DeploymentStage = ""
	StagePoolAssigned      DeploymentStage = "pool_assigned"
	StageConfiguringKeys   DeploymentStage = "configuring_keys"
	StageDeployingRuntime  DeploymentStage = "deploying_runtime"
	StageInstallingAgents  DeploymentStage = "installing_agents"
	StageConfiguringSearch DeploymentStage = "configuring_search"
	StageReady             DeploymentStage = "ready"
)

// Node is a single-tenant compute host managed by this service.
type Node struct {
	ID                     uuid.UUID
	ProviderNodeID         string
	IP                     string
	SSHUser                string
	SSHPassword            string
	SSHPort                int
	SSHHostKeyFingerprint  string
	LifecycleState         LifecycleState
	DeploymentStage        DeploymentStage
	RuntimeRunning         bool
	GatewayToken           string
	BindingUserID          *uuid.UUID
	RuntimeDir             string
	ExtensionInstalled     bool
	LastError              string
	LastHealthCheck        *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Unbound reports whether the node has no user binding.
func (n *Node) Unbound() bool { return n.BindingUserID == nil }

// UserProfile carries per-user runtime configuration and model-router
// credential state.
type UserProfile struct {
	ID                      uuid.UUID
	UserID                  uuid.UUID
	SelectedModel           string
	SubscriptionStatusCache string
	ModelRouterKey          string
	ModelRouterKeyID        string
	UsageUsedUSD            float64
	UsageLimitUSD           float64
	BotToken                string
	BotUsername             string
	ExtensionEnabled        bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Pool bundles the five repositories over a shared *pgxpool.Pool so every
// domain handler takes one dependency instead of five.
type Pool struct {
	Nodes         *NodeStore
	Users         *UserStore
	Subscriptions *SubscriptionStore
	Payments      *PaymentStore
	Profiles      *ProfileStore
}

// New wires all five repositories over db.
func New(db *pgxpool.Pool) *Pool {
	return &Pool{
		Nodes:         &NodeStore{db: db},
		Users:         &UserStore{db: db},
		Subscriptions: &SubscriptionStore{db: db},
		Payments:      &PaymentStore{db: db},
		Profiles:      &ProfileStore{db: db},
	}
}
