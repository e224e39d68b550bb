package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type identityCtxKey struct{}

// Identity is the authenticated caller attached to the request context by
// RequireBearer.
type Identity struct {
	UserID uuid.UUID
}

// FromContext returns the Identity stored by RequireBearer, or nil if the
// request was not authenticated (should not happen on a route guarded by
// RequireBearer).
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}

// RequireBearer authenticates every request via "Authorization: Bearer
// <session token>", verified against mgr. On success it stores the caller's
// Identity in the request context; on failure it writes 401 and does not
// call next.
func RequireBearer(mgr *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			userID, err := mgr.VerifyToken(token)
			if err != nil {
				writeUnauthorized(w, "invalid or expired bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), identityCtxKey{}, &Identity{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"` + message + `"}`))
}
