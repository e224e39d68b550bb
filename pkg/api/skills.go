package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

type skillInstallRequest struct {
	SkillName string `json:"skill_name" validate:"required"`
	GithubURL string `json:"github_url" validate:"required,url"`
}

type skillUninstallRequest struct {
	SkillName string `json:"skill_name" validate:"required"`
}

func (h *Handler) handleSkillInstall(w http.ResponseWriter, r *http.Request) {
	var req skillInstallRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.withLockedNode(w, r, "skill_install", func(ctx context.Context, sess *sshdriver.Session) error {
		return convergence.InstallSkill(ctx, convergence.WrapSession(sess), req.SkillName, req.GithubURL)
	})
}

func (h *Handler) handleSkillUninstall(w http.ResponseWriter, r *http.Request) {
	var req skillUninstallRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.withLockedNode(w, r, "skill_uninstall", func(ctx context.Context, sess *sshdriver.Session) error {
		return convergence.UninstallSkill(ctx, convergence.WrapSession(sess), req.SkillName)
	})
}

// withLockedNode resolves the caller's node, holds its advisory lock for
// the duration of fn, and writes a standard success/error response. Shared
// by the skill install/uninstall handlers, which differ only in which
// convergence operation they run.
func (h *Handler) withLockedNode(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, sess *sshdriver.Session) error) {
	n, _, err := h.ownedNode(r)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, errCodeNotFound, msgNoNodeAssigned)
		return
	}
	if err != nil {
		h.Logger.Error("looking up node", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "looking up node failed")
		return
	}

	handle, err := h.Lock.TryLock(r.Context(), n.ID)
	if errors.Is(err, lock.ErrLocked) {
		httpserver.RespondError(w, http.StatusConflict, errCodeConflict, msgDeployInProgress)
		return
	}
	if err != nil {
		h.Logger.Error("acquiring node lock", "node_id", n.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "acquiring node lock failed")
		return
	}
	defer func() {
		if err := handle.Unlock(r.Context()); err != nil {
			h.Logger.Error("releasing node lock", "node_id", n.ID, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	err = h.SSH.WithSession(ctx, n.ID.String(), n.IP, n.SSHPort, n.SSHUser, n.SSHPassword, func(sess *sshdriver.Session) error {
		return fn(ctx, sess)
	})
	if err != nil {
		h.Logger.Error("node operation failed", "node_id", n.ID, "error", err)
		httpserver.RespondError(w, http.StatusBadGateway, errCodeUpstream, "node operation failed")
		return
	}

	h.Audit.LogFromRequest(r, action, "node", n.ID, nil)
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}
