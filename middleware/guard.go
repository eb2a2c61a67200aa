package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/MrEthical07/clinicauth/session"
)

// SnapshotSource is satisfied by *clinicauth.Engine and *session.Resolver.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

type snapshotContextKey struct{}

// SnapshotFromContext returns the snapshot a guard admitted the request with.
func SnapshotFromContext(ctx context.Context) (session.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotContextKey{}).(session.Snapshot)
	return snap, ok
}

// RequireSession admits any authenticated request.
func RequireSession(src SnapshotSource) func(http.Handler) http.Handler {
	return guard(src, nil)
}

// RequireRole admits authenticated requests whose resolved role is one of
// roles.
func RequireRole(src SnapshotSource, roles ...session.Role) func(http.Handler) http.Handler {
	allowed := slices.DeleteFunc(slices.Clone(roles), func(r session.Role) bool {
		return r == session.RoleNone
	})
	return guard(src, func(r session.Role) bool {
		return slices.Contains(allowed, r)
	})
}

func guard(src SnapshotSource, allow func(session.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if src == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			snap := src.Snapshot()
			switch {
			case snap.Initializing || snap.Loading:
				w.Header().Set("Retry-After", "1")
				http.Error(w, "session initializing", http.StatusServiceUnavailable)
				return
			case !snap.Authenticated():
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			case allow != nil && !allow(snap.Role):
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), snapshotContextKey{}, snap)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
