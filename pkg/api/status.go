package api

import (
	"errors"
	"net/http"

	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/store"
)

type statusResponse struct {
	Assigned        bool   `json:"assigned"`
	IP              string `json:"ip,omitempty"`
	GatewayToken    string `json:"gateway_token,omitempty"`
	DeploymentStage string `json:"deployment_stage,omitempty"`
	WsURL           string `json:"ws_url,omitempty"`
}

// handleStatus reports the calling user's node assignment and state.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, _, err := h.ownedNode(r)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.Respond(w, http.StatusOK, statusResponse{Assigned: false})
		return
	}
	if err != nil {
		h.Logger.Error("looking up node for status", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, errCodeUpstream, "looking up node failed")
		return
	}

	httpserver.Respond(w, http.StatusOK, statusResponse{
		Assigned:        true,
		IP:              n.IP,
		GatewayToken:    n.GatewayToken,
		DeploymentStage: string(n.DeploymentStage),
		WsURL:           wsURLFor(n),
	})
}

func wsURLFor(n *store.Node) string {
	if n.GatewayToken == "" {
		return ""
	}
	return "wss://gateway.nodewarden.internal/ws?token=" + n.GatewayToken
}
