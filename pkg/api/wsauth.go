package api

import (
	"errors"
	"net/http"

	"github.com/fleetward/nodewarden/internal/store"
)

// handleWsAuth is the reverse proxy's auth_request subhandler: it resolves
// the gateway token the proxy forwards to the node IP to upgrade the
// websocket against, or 403s if the token isn't recognized. It never
// touches the request body and returns no body of its own — the proxy
// reads only the status code and response headers.
func (h *Handler) handleWsAuth(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Gateway-Token")
	if token == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	n, err := h.Nodes.GetByGatewayToken(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		h.Logger.Error("resolving gateway token", "error", err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("X-Ws-Upstream", n.IP)
	w.WriteHeader(http.StatusOK)
}
