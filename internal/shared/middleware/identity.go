package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ContextKey string

const (
	UserIDKey    ContextKey = "user_id"
	RequestIDKey ContextKey = "request_id"
)

// UserIDHeader carries the caller's identity, set by the gateway in front of
// this service after it has authenticated the user.
const UserIDHeader = "X-User-ID"

// RequireUser rejects requests without an identity header and puts the user
// id on the context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the id stored by RequireUser.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
