package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"session-gateway/internal/domain"
	"session-gateway/internal/http/middleware"
	"session-gateway/internal/repository"
	"session-gateway/internal/security"
	"session-gateway/internal/service"
)

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.User
	byEmail map[string]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: map[string]*domain.User{}, byEmail: map[string]*domain.User{}}
}

func (r *fakeUserRepo) FindByID(id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) FindByEmail(email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byEmail[email]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) Create(u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[u.Email]; ok {
		return repository.ErrEmailTaken
	}
	cp := *u
	r.byID[cp.ID] = &cp
	r.byEmail[cp.Email] = &cp
	return nil
}

type memorySessionStore struct {
	mu      sync.Mutex
	records map[string]*domain.Session
}

func (s *memorySessionStore) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memorySessionStore) CompareAndSwap(_ context.Context, id, expected string, rec *domain.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[id]
	if expected == "" {
		if exists {
			return repository.ErrCASConflict
		}
	} else if !exists {
		return repository.ErrSessionNotFound
	} else if current.TokenFamily != expected {
		return repository.ErrCASConflict
	}
	cp := *rec
	s.records[id] = &cp
	return nil
}

func (s *memorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

type testEnv struct {
	handler  *AuthHandler
	sessions *service.SessionService
	users    *fakeUserRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	jwtMgr := security.NewJWTManager("gateway-test", "gateway-test", "0123456789abcdef0123456789abcdef")
	store := &memorySessionStore{records: map[string]*domain.Session{}}
	sessions := service.NewSessionService(jwtMgr, store, "pepper", time.Hour, 7*24*time.Hour, 0)
	users := newFakeUserRepo()
	return &testEnv{
		handler:  NewAuthHandler(sessions, users, false),
		sessions: sessions,
		users:    users,
	}
}

func (e *testEnv) seedUser(t *testing.T, email, password string) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &domain.User{ID: "u1", Email: email, Name: "Test", Role: "user", PasswordHash: string(hash)}
	if err := e.users.Create(u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func cookieValue(res *http.Response, name string) string {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestRegisterIssuesSessionCookies(t *testing.T) {
	env := newTestEnv(t)
	body := `{"email":"new@example.com","password":"supersecret","name":"New User"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.Register(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	res := rec.Result()
	access := cookieValue(res, security.AccessTokenCookie)
	refresh := cookieValue(res, security.RefreshTokenCookie)
	if access == "" || refresh == "" {
		t.Fatal("both session cookies must be set")
	}
	for _, c := range res.Cookies() {
		if c.Name != security.AccessTokenCookie && c.Name != security.RefreshTokenCookie {
			continue
		}
		if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
			t.Fatalf("cookie %s violates the contract: %+v", c.Name, c)
		}
	}

	identity, err := env.sessions.VerifyAccess(access)
	if err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}
	if identity.Email != "new@example.com" || identity.Role != "user" {
		t.Fatalf("identity claims wrong: %+v", identity)
	}
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{
		`{"email":"bad","password":"supersecret","name":"X"}`,
		`{"email":"a@b.com","password":"short","name":"X"}`,
		`{"email":"a@b.com","password":"supersecret","name":""}`,
		`not-json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.handler.Register(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: want 400, got %d", body, rec.Code)
		}
	}
}

func TestLoginWrongPasswordGeneric401(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "a@b.com", "correct-horse")

	for _, body := range []string{
		`{"email":"a@b.com","password":"wrong"}`,
		`{"email":"ghost@b.com","password":"whatever"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.handler.Login(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("want 401, got %d", rec.Code)
		}
		var envl struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &envl); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		// Wrong password and unknown user must be indistinguishable.
		if envl.Error.Message != "invalid credentials" {
			t.Fatalf("unexpected error message %q", envl.Error.Message)
		}
	}
}

func TestLoginRefreshLogoutLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "a@b.com", "correct-horse")

	login := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"a@b.com","password":"correct-horse"}`))
	loginRec := httptest.NewRecorder()
	env.handler.Login(loginRec, login)
	if loginRec.Code != http.StatusOK {
		t.Fatalf("login: want 200, got %d: %s", loginRec.Code, loginRec.Body.String())
	}
	refreshToken := cookieValue(loginRec.Result(), security.RefreshTokenCookie)

	refreshReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	refreshReq.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: refreshToken})
	refreshRec := httptest.NewRecorder()
	env.handler.Refresh(refreshRec, refreshReq)
	if refreshRec.Code != http.StatusOK {
		t.Fatalf("refresh: want 200, got %d: %s", refreshRec.Code, refreshRec.Body.String())
	}
	rotated := cookieValue(refreshRec.Result(), security.RefreshTokenCookie)
	if rotated == "" || rotated == refreshToken {
		t.Fatal("refresh must rotate the refresh token cookie")
	}

	// Replaying the pre-rotation token is rejected and kills the session.
	replayReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	replayReq.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: refreshToken})
	replayRec := httptest.NewRecorder()
	env.handler.Refresh(replayRec, replayReq)
	if replayRec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: want 401, got %d", replayRec.Code)
	}

	afterReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	afterReq.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: rotated})
	afterRec := httptest.NewRecorder()
	env.handler.Refresh(afterRec, afterReq)
	if afterRec.Code != http.StatusUnauthorized {
		t.Fatalf("rotated token after reuse: want 401, got %d", afterRec.Code)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@b.com", "correct-horse")

	pair, err := env.sessions.CreateSession(context.Background(), user.ID, user.Email, user.Role)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	logoutReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	gate := middleware.AuthGate(env.sessions)
	logoutRec := httptest.NewRecorder()
	logoutReq.AddCookie(&http.Cookie{Name: security.AccessTokenCookie, Value: pair.AccessToken})
	gate(http.HandlerFunc(env.handler.Logout)).ServeHTTP(logoutRec, logoutReq)
	if logoutRec.Code != http.StatusOK {
		t.Fatalf("logout: want 200, got %d: %s", logoutRec.Code, logoutRec.Body.String())
	}

	refreshReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	refreshReq.AddCookie(&http.Cookie{Name: security.RefreshTokenCookie, Value: pair.RefreshToken})
	refreshRec := httptest.NewRecorder()
	env.handler.Refresh(refreshRec, refreshReq)
	if refreshRec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: want 401, got %d", refreshRec.Code)
	}
}

func TestMeReturnsDirectoryUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@b.com", "correct-horse")
	pair, err := env.sessions.CreateSession(context.Background(), user.ID, user.Email, user.Role)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: security.AccessTokenCookie, Value: pair.AccessToken})
	rec := httptest.NewRecorder()
	middleware.AuthGate(env.sessions)(http.HandlerFunc(env.handler.Me)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: want 200, got %d", rec.Code)
	}
	var envl struct {
		Data struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envl); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envl.Data.ID != user.ID || envl.Data.Email != user.Email {
		t.Fatalf("unexpected me payload: %+v", envl.Data)
	}
	if strings.Contains(rec.Body.String(), user.PasswordHash) {
		t.Fatal("password hash leaked in response")
	}
}
