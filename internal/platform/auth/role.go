package auth

import (
	"net/http"
	"strings"

	"github.com/example/threadrecon/internal/platform/api"
	"github.com/example/threadrecon/internal/platform/httpserver"
)

// HasRole reports whether the request carries one of roles, compared
// case-insensitively.
func HasRole(r *http.Request, roles ...string) bool {
	got, _ := RoleFromContext(r.Context())
	got = strings.TrimSpace(got)
	for _, want := range roles {
		if got != "" && strings.EqualFold(got, want) {
			return true
		}
	}
	return false
}

// RequireRole allows the request only if RequireCaller injected one of roles.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r, roles...) {
				api.WriteError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role", httpserver.RequestIDFromContext(r.Context()), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
