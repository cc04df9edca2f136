package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ragtag/mcplink/security"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ContextWithPrincipal returns a context carrying p.
// Only Middleware should call this outside of tests.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Middleware rejects unauthenticated requests with 401 and passes the
// principal of authenticated ones to next through the request context.
func Middleware(v *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := security.GetClientIP(r, false, 0)

			if v.failures.Exhausted(clientIP) {
				logger.Warn("Rejected request after repeated authentication failures", "ip", clientIP)
				v.auditor.LogRateLimitExceeded(clientIP, "auth_failure")
				w.Header().Set("Retry-After", "60")
				w.Header().Set("Cache-Control", "no-store")
				http.Error(w, "Too many failed authentication attempts", http.StatusTooManyRequests)
				return
			}

			p, err := v.Authenticate(r)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrNotAuthenticated) {
					v.failures.Allow(r.Context(), clientIP)
				}
				switch {
				case errors.Is(err, ErrTokenExpired):
					logger.Info("Rejected expired access token", "ip", clientIP)
					v.auditor.LogAuthFailure("", "", clientIP, "token_expired")
					writeUnauthorized(w, "The access token expired")
				case errors.Is(err, ErrNotAuthenticated):
					logger.Info("Rejected unauthenticated request", "ip", clientIP, "path", r.URL.Path)
					v.auditor.LogAuthFailure("", "", clientIP, "not_authenticated")
					writeUnauthorized(w, "Authentication required")
				default:
					logger.Error("Authentication failed", "ip", clientIP, "error", err)
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
				return
			}

			logger.Debug("Authenticated request", "principal", p.Name, "method", p.Method)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+description+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": description,
	})
}
