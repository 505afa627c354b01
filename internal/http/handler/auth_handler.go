package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"session-gateway/internal/domain"
	"session-gateway/internal/http/middleware"
	"session-gateway/internal/http/response"
	"session-gateway/internal/observability"
	"session-gateway/internal/repository"
	"session-gateway/internal/security"
	"session-gateway/internal/service"
)

const bcryptCost = 10

type AuthHandler struct {
	sessions      *service.SessionService
	users         repository.UserRepository
	secureCookies bool
}

func NewAuthHandler(sessions *service.SessionService, users repository.UserRepository, secureCookies bool) *AuthHandler {
	return &AuthHandler{sessions: sessions, users: users, secureCookies: secureCookies}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body", nil)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if !validEmail(req.Email) || len(req.Password) < 8 || req.Name == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid registration fields", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "registration failed", nil)
		return
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Name:         req.Name,
		Role:         "user",
		PasswordHash: string(hash),
	}
	if err := h.users.Create(user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			response.Error(w, r, http.StatusConflict, "EMAIL_TAKEN", "email already registered", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "registration failed", nil)
		return
	}

	pair, err := h.sessions.CreateSession(r.Context(), user.ID, user.Email, user.Role)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "STORE_UNAVAILABLE", "service temporarily unavailable", nil)
		return
	}
	observability.Audit(r, "auth.register", "user_id", user.ID)
	security.SetSessionCookies(w, pair.AccessToken, pair.AccessExpiresAt, pair.RefreshToken, pair.RefreshExpiresAt, h.secureCookies)
	response.JSON(w, r, http.StatusCreated, userView{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body", nil)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !validEmail(req.Email) || req.Password == "" {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
		return
	}

	user, err := h.users.FindByEmail(req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.Audit(r, "auth.login_failed")
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "login failed", nil)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		observability.Audit(r, "auth.login_failed", "user_id", user.ID)
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
		return
	}

	pair, err := h.sessions.CreateSession(r.Context(), user.ID, user.Email, user.Role)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "STORE_UNAVAILABLE", "service temporarily unavailable", nil)
		return
	}
	observability.Audit(r, "auth.login", "user_id", user.ID)
	security.SetSessionCookies(w, pair.AccessToken, pair.AccessExpiresAt, pair.RefreshToken, pair.RefreshExpiresAt, h.secureCookies)
	response.JSON(w, r, http.StatusOK, userView{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role})
}

// Refresh is the explicit rotation endpoint clients call after a 401. The
// auth gate does not sit in front of it; the refresh token is the
// credential here.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshTokenCookie)
	if raw == "" {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), raw, func(userID string) (*domain.User, error) {
		return h.users.FindByID(userID)
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRefreshReuseDetected):
			observability.Audit(r, "auth.refresh_reuse_detected")
			security.ClearSessionCookies(w, h.secureCookies)
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		case errors.Is(err, service.ErrStoreUnavailable):
			response.Error(w, r, http.StatusInternalServerError, "STORE_UNAVAILABLE", "service temporarily unavailable", nil)
		default:
			security.ClearSessionCookies(w, h.secureCookies)
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		}
		return
	}

	security.SetSessionCookies(w, pair.AccessToken, pair.AccessExpiresAt, pair.RefreshToken, pair.RefreshExpiresAt, h.secureCookies)
	response.JSON(w, r, http.StatusOK, map[string]any{
		"expires_at": pair.AccessExpiresAt.UTC(),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	if err := h.sessions.Invalidate(r.Context(), identity.SessionID); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "STORE_UNAVAILABLE", "service temporarily unavailable", nil)
		return
	}
	observability.Audit(r, "auth.logout", "user_id", identity.UserID)
	security.ClearSessionCookies(w, h.secureCookies)
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	user, err := h.users.FindByID(identity.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.Error(w, r, http.StatusNotFound, "USER_NOT_FOUND", "user not found", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "lookup failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, userView{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role})
}

func validEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
