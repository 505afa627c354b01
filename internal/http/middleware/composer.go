package middleware

import (
	"net/http"

	"session-gateway/internal/service"
)

// GateComposer fixes the admission order for every protected route: rate
// limiting first, so brute force and resource exhaustion are throttled
// before token verification spends any work, then authentication, then the
// handler. A rejection at any stage short-circuits the rest.
type GateComposer struct {
	controller *service.AdmissionController
	verifier   AccessVerifier
}

func NewGateComposer(controller *service.AdmissionController, verifier AccessVerifier) *GateComposer {
	return &GateComposer{controller: controller, verifier: verifier}
}

// Public gates a route that needs no identity: admission only, counted per
// client IP.
func (g *GateComposer) Public(class service.OperationClass) func(http.Handler) http.Handler {
	return RateLimitGate(g.controller, class, ClientIPKey)
}

// Authenticated gates a route behind admission and the auth gate. The
// admission identifier is the authenticated subject when one is presented,
// so multi-tenant IPs are not starved and accounts cannot hide behind them.
func (g *GateComposer) Authenticated(class service.OperationClass) func(http.Handler) http.Handler {
	limit := RateLimitGate(g.controller, class, SubjectOrIPKey(g.verifier))
	auth := AuthGate(g.verifier)
	return func(next http.Handler) http.Handler {
		return limit(auth(next))
	}
}
