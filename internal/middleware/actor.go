package middleware

import (
	"context"
	"net/http"
)

const actorKey contextKey = "actor_id"

// Actor lifts the authenticated user id set by the upstream gateway into the
// request context. Authentication itself happens before traffic reaches this
// service.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), actorKey, r.Header.Get("X-Actor-ID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the acting user id, empty when unauthenticated.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}
