package middleware

import (
	"context"
	"net/http"
	"strings"

	"session-gateway/internal/domain"
	"session-gateway/internal/http/response"
	"session-gateway/internal/observability"
	"session-gateway/internal/security"
)

type contextKey string

const identityContextKey contextKey = "identity"

// AccessVerifier is the slice of the session service the auth gate needs:
// stateless signature+expiry verification, no store access.
type AccessVerifier interface {
	VerifyAccess(raw string) (*domain.Identity, error)
}

// AuthGate rejects requests without a verifiable access token and forwards
// the decoded identity to the wrapped handler. It never attempts a refresh;
// clients call the refresh endpoint themselves on 401. Failure bodies are
// deliberately generic so callers cannot distinguish why verification failed.
func AuthGate(verifier AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := accessTokenFromRequestWithSource(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			identity, err := verifier.VerifyAccess(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFromContext(ctx context.Context) (*domain.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*domain.Identity)
	return id, ok
}

// accessTokenFromRequest prefers the session cookie and falls back to a
// bearer Authorization header.
func accessTokenFromRequest(r *http.Request) string {
	raw, _ := accessTokenFromRequestWithSource(r)
	return raw
}

func accessTokenFromRequestWithSource(r *http.Request) (string, string) {
	if raw := security.GetCookie(r, security.AccessTokenCookie); raw != "" {
		return raw, "cookie"
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:]), "bearer"
	}
	return "", "none"
}
