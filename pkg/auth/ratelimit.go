package auth

import (
	"log/slog"
	"net/http"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
)

// RateLimitMiddleware enforces per-tenant rate limiting. It must run after
// the authentication middleware; requests without a principal are keyed by
// remote address. Limiter errors fail open.
func RateLimitMiddleware(store LimiterStore, policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || policy.RPM <= 0 || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := "ip:" + r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				key = "tenant:" + principal.GetTenantID()
			}

			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				slog.WarnContext(r.Context(), "rate limiter unavailable", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, policy.RetryAfter())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
