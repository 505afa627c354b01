package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"session-gateway/internal/http/handler"
	"session-gateway/internal/http/middleware"
	"session-gateway/internal/http/response"
	"session-gateway/internal/service"
)

// ReadinessCheck reports one dependency's health.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Dependencies struct {
	AuthHandler    *handler.AuthHandler
	Gates          *middleware.GateComposer
	Readiness      []ReadinessCheck
	EnableOTelHTTP bool
}

// NewRouter wires every route behind the gate composer. Order inside a gate
// is fixed: rate limit first, then authentication, then the handler.
func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]map[string]string, 0, len(dep.Readiness))
		ready := true
		for _, c := range dep.Readiness {
			status := "ok"
			if err := c.Check(ctx); err != nil {
				status = "unavailable"
				ready = false
			}
			checks = append(checks, map[string]string{"name": c.Name, "status": status})
		}
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": checks})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			// Credential and rotation endpoints carry no proven identity
			// yet, so they are counted per client IP under the strict
			// auth-class window.
			r.With(dep.Gates.Public(service.ClassAuth)).Post("/register", dep.AuthHandler.Register)
			r.With(dep.Gates.Public(service.ClassAuth)).Post("/login", dep.AuthHandler.Login)
			r.With(dep.Gates.Public(service.ClassAuth)).Post("/refresh", dep.AuthHandler.Refresh)
			r.With(dep.Gates.Authenticated(service.ClassAPI)).Post("/logout", dep.AuthHandler.Logout)
		})
		r.With(dep.Gates.Authenticated(service.ClassAPI)).Get("/me", dep.AuthHandler.Me)
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
