// Package api is the External API Surface: the public HTTP handlers a
// user's client and the payment gateway call directly, plus the internal
// auth_request subhandler the reverse proxy consults before upgrading a
// websocket connection to a node's gateway.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetward/nodewarden/internal/audit"
	"github.com/fleetward/nodewarden/internal/auth"
	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/assignment"
	"github.com/fleetward/nodewarden/pkg/lifecycle"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

// Handler holds every collaborator the external API surface calls into.
// Routes mounted under Routes() assume the caller has already run
// auth.RequireBearer; WebhookRoutes and WsAuthRoutes are unauthenticated
// and must not be mounted under that middleware.
type Handler struct {
	Nodes       *store.NodeStore
	Profiles    *store.ProfileStore
	Payments    *store.PaymentStore
	Lifecycle   *lifecycle.Controller
	Coordinator *assignment.Coordinator
	Lock        *lock.NodeLock
	SSH         *sshdriver.Driver
	Audit       *audit.Writer
	Logger      *slog.Logger

	WebhookSecret string
}

// Routes returns the bearer-authenticated per-node routes, mounted under
// /server by the caller (see internal/httpserver.NewServer's APIRouter).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/redeploy", h.handleRedeploy)
	r.Post("/set-model", h.handleSetModel)
	r.Post("/skills/install", h.handleSkillInstall)
	r.Post("/skills/uninstall", h.handleSkillUninstall)
	r.Post("/pairing/approve", h.handlePairingApprove)
	return r
}

// WebhookRoutes returns the unauthenticated payment-gateway webhook routes.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.verifyWebhookSecret)
	r.Post("/*", h.handlePaymentWebhook)
	return r
}

// WsAuthRoutes returns the unauthenticated auth_request subhandler the
// reverse proxy consults before upgrading a connection.
func (h *Handler) WsAuthRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws-auth", h.handleWsAuth)
	return r
}

// verifyWebhookSecret compares the X-Webhook-Secret header against the
// configured shared secret in constant time — the payment gateway
// collaborator is specified as delivering a static shared secret, not an
// HMAC signing key, so there is no signature to verify.
func (h *Handler) verifyWebhookSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Webhook-Secret")
		if h.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			httpserver.RespondError(w, http.StatusUnauthorized, errCodeUnauthenticated, msgWebhookBadAuth)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ownedNode(r *http.Request) (*store.Node, *auth.Identity, error) {
	id := auth.FromContext(r.Context())
	n, err := h.Nodes.GetByUser(r.Context(), id.UserID)
	return n, id, err
}
