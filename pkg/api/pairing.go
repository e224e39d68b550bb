package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

var pairingCodeRe = regexp.MustCompile(pairingCodePattern)

type pairingApproveRequest struct {
	Code string `json:"code"`
}

// handlePairingApprove validates a pairing code before it ever touches the
// shell. The charset the regex allows (letters, digits, hyphen, underscore)
// contains no shell metacharacter, so a single-quoted command is safe.
func (h *Handler) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	var req pairingApproveRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	if !pairingCodeRe.MatchString(req.Code) {
		httpserver.RespondError(w, http.StatusBadRequest, errCodeValidation, msgPairingBadCode+" ("+pairingUsage+")")
		return
	}

	n, _, err := h.ownedNode(r)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, errCodeNotFound, msgNoNodeAssigned)
		return
	}
	if err != nil {
		h.Logger.Error("looking up node for pairing approval", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "looking up node failed")
		return
	}

	handle, err := h.Lock.TryLock(r.Context(), n.ID)
	if errors.Is(err, lock.ErrLocked) {
		httpserver.RespondError(w, http.StatusConflict, errCodeConflict, msgDeployInProgress)
		return
	}
	if err != nil {
		h.Logger.Error("acquiring node lock for pairing approval", "node_id", n.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "acquiring node lock failed")
		return
	}
	defer func() {
		if err := handle.Unlock(r.Context()); err != nil {
			h.Logger.Error("releasing node lock after pairing approval", "node_id", n.ID, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var result convergence.Result
	err = h.SSH.WithSession(ctx, n.ID.String(), n.IP, n.SSHPort, n.SSHUser, n.SSHPassword, func(sess *sshdriver.Session) error {
		shell := convergence.WrapSession(sess)
		cmd := "docker exec openclaw pairing approve '" + req.Code + "'"
		res, execErr := shell.Exec(ctx, cmd, 15*time.Second)
		result = res
		return execErr
	})
	if err != nil {
		h.Logger.Error("pairing approve transport failed", "node_id", n.ID, "error", err)
		httpserver.RespondError(w, http.StatusBadGateway, errCodeUpstream, "reaching node failed")
		return
	}
	if result.ExitCode != 0 {
		httpserver.RespondError(w, http.StatusBadRequest, errCodeValidation, msgPairingRejected)
		return
	}

	h.Audit.LogFromRequest(r, "pairing_approve", "node", n.ID, nil)
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}
