package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"session-gateway/internal/http/response"
	"session-gateway/internal/observability"
	"session-gateway/internal/service"
)

// KeyFunc picks the identifier a request is counted under.
type KeyFunc func(r *http.Request) string

// RateLimitGate runs the admission check before anything downstream,
// including authentication. Quota headers go on every response; rejections
// carry Retry-After and a retry_after body field. A store failure rejects
// rather than admitting unmetered traffic.
func RateLimitGate(controller *service.AdmissionController, class service.OperationClass, keyFunc KeyFunc) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				key = ClientIPKey(r)
			}
			keyType := rateLimitKeyType(key)

			decision, err := controller.Check(r.Context(), key, class)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), string(class), "backend_error", keyType)
				slog.WarnContext(r.Context(), "rate limit store unavailable, rejecting request",
					"class", string(class),
					"error", err.Error(),
				)
				retryAfter := time.Minute
				writeRateLimitHeaders(w.Header(), decision.Limit, 0, time.Now().Add(retryAfter))
				writeRejection(w, r, retryAfter)
				return
			}

			writeRateLimitHeaders(w.Header(), decision.Limit, decision.Remaining, decision.ResetAt)
			if !decision.Admitted {
				observability.RecordRateLimitDecision(r.Context(), string(class), "deny", keyType)
				writeRejection(w, r, decision.RetryAfter)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), string(class), "allow", keyType)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKey counts by remote address, the identifier for anonymous
// callers.
func ClientIPKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// SubjectOrIPKey counts by authenticated user id when the request carries a
// verifiable access token and falls back to the client IP. Keying on the
// subject keeps one tenant behind a shared IP from starving its neighbours,
// and one compromised account from hiding behind them.
func SubjectOrIPKey(verifier AccessVerifier) KeyFunc {
	authGateExtract := func(r *http.Request) string {
		raw := accessTokenFromRequest(r)
		if raw == "" {
			return ""
		}
		identity, err := verifier.VerifyAccess(raw)
		if err != nil {
			return ""
		}
		return identity.UserID
	}
	return func(r *http.Request) string {
		if subject := authGateExtract(r); subject != "" {
			return "sub:" + subject
		}
		return ClientIPKey(r)
	}
}

func writeRejection(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", map[string]any{
		"retry_after": seconds,
	})
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", max(limit, 0)))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

func rateLimitKeyType(key string) string {
	if len(key) > 4 && key[:4] == "sub:" {
		return "subject"
	}
	return "ip"
}
