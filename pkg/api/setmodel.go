package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

type setModelRequest struct {
	Model string `json:"model" validate:"required"`
}

// handleSetModel runs SetModel against the caller's node and persists the
// choice on their profile only once the remote command succeeds.
func (h *Handler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req setModelRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	n, id, err := h.ownedNode(r)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, errCodeNotFound, msgNoNodeAssigned)
		return
	}
	if err != nil {
		h.Logger.Error("looking up node for set-model", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "looking up node failed")
		return
	}

	handle, err := h.Lock.TryLock(r.Context(), n.ID)
	if errors.Is(err, lock.ErrLocked) {
		httpserver.RespondError(w, http.StatusConflict, errCodeConflict, msgDeployInProgress)
		return
	}
	if err != nil {
		h.Logger.Error("acquiring node lock for set-model", "node_id", n.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "acquiring node lock failed")
		return
	}
	defer func() {
		if err := handle.Unlock(r.Context()); err != nil {
			h.Logger.Error("releasing node lock after set-model", "node_id", n.ID, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	err = h.SSH.WithSession(ctx, n.ID.String(), n.IP, n.SSHPort, n.SSHUser, n.SSHPassword, func(sess *sshdriver.Session) error {
		return convergence.SetModel(ctx, convergence.WrapSession(sess), req.Model)
	})
	if err != nil {
		h.Logger.Error("set-model failed", "node_id", n.ID, "model", req.Model, "error", err)
		httpserver.RespondError(w, http.StatusBadGateway, errCodeUpstream, "setting model on node failed")
		return
	}

	if err := h.Profiles.UpdateSelectedModel(ctx, id.UserID, req.Model); err != nil {
		h.Logger.Error("persisting selected model", "user_id", id.UserID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "persisting model choice failed")
		return
	}

	detail, _ := json.Marshal(map[string]string{"model": req.Model})
	h.Audit.LogFromRequest(r, "set_model", "node", n.ID, detail)
	httpserver.Respond(w, http.StatusOK, map[string]string{"model": req.Model})
}
