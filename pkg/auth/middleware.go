package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/observability"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
)

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// RequiredScope maps a request to the scope it needs. Reads need
// ScopeRead; everything else touches a sandbox and needs ScopeExec.
func RequiredScope(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return ScopeRead
	default:
		return ScopeExec
	}
}

// Middleware authenticates requests, enforces scopes and rate limits, and
// stores the identity and tenant in the request context.
func Middleware(chain *Chain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)
			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				writeError(w, http.StatusUnauthorized, api.ErrorTypeUnauthorized, "authentication required")
				return
			}

			id := result.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, api.ErrorTypeServerError, "internal authentication error")
				return
			}

			if scope := RequiredScope(r); !id.Allows(scope) {
				slog.Warn("missing scope", "subject", id.Subject, "scope", scope, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, api.ErrorTypeForbidden, "missing scope "+scope)
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.Tier())
					observability.RateLimitRejectedTotal.WithLabelValues(id.Tier()).Inc()
					writeError(w, http.StatusTooManyRequests, api.ErrorTypeTooManyRequests, "rate limit exceeded")
					return
				}
			}

			debug.Log("auth", "authenticated", "subject", id.Subject, "tenant", id.Tenant, "path", r.URL.Path)

			ctx := SetIdentity(r.Context(), id)
			if id.Tenant != "" {
				ctx = storage.SetTenant(ctx, id.Tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, typ api.ErrorType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: &api.APIError{Type: typ, Message: msg}})
}
