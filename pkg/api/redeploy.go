package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/convergence"
)

type redeployResponse struct {
	Scheduled bool `json:"scheduled"`
}

// handleRedeploy schedules a detached FullDeploy and returns immediately —
// the deploy itself can run for several minutes, well past any reasonable
// request timeout, and must keep running if the client disconnects. 409s
// if another operation already holds the node's lock.
func (h *Handler) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	n, id, err := h.ownedNode(r)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, errCodeNotFound, msgNoNodeAssigned)
		return
	}
	if err != nil {
		h.Logger.Error("looking up node for redeploy", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "looking up node failed")
		return
	}

	handle, err := h.Lock.TryLock(r.Context(), n.ID)
	if errors.Is(err, lock.ErrLocked) {
		httpserver.RespondError(w, http.StatusConflict, errCodeConflict, msgDeployInProgress)
		return
	}
	if err != nil {
		h.Logger.Error("acquiring node lock for redeploy", "node_id", n.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "acquiring node lock failed")
		return
	}

	profile, err := h.Profiles.GetByUserID(r.Context(), id.UserID)
	if err != nil {
		_ = handle.Unlock(r.Context())
		h.Logger.Error("looking up profile for redeploy", "user_id", id.UserID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "looking up profile failed")
		return
	}

	spec := convergence.DesiredSpec{
		ProviderCredential: profile.ModelRouterKey,
		ChannelToken:       profile.BotToken,
		ActiveModel:        profile.SelectedModel,
		DMPolicy:           "pairing",
		ExtensionEnabled:   profile.ExtensionEnabled,
		SearchAdapter:      true,
	}

	go h.runDetachedDeploy(n.ID, id.UserID, spec, handle)

	h.Audit.LogFromRequest(r, "redeploy", "node", n.ID, nil)
	httpserver.Respond(w, http.StatusAccepted, redeployResponse{Scheduled: true})
}

// runDetachedDeploy runs FullDeploy on a context independent of the request
// that scheduled it, releasing the node lock when done.
func (h *Handler) runDetachedDeploy(nodeID, userID uuid.UUID, spec convergence.DesiredSpec, handle *lock.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	defer func() {
		if err := handle.Unlock(ctx); err != nil {
			h.Logger.Error("releasing node lock after redeploy", "node_id", nodeID, "error", err)
		}
	}()

	result, err := h.Lifecycle.Deploy(ctx, nodeID, userID, spec, false)
	if err != nil {
		h.Logger.Error("redeploy failed", "node_id", nodeID, "error", err)
		return
	}
	if !result.Verified {
		h.Logger.Error("redeploy did not verify", "node_id", nodeID, "failures", result.Failures)
		return
	}
	h.Logger.Info("redeploy complete", "node_id", nodeID)
}
