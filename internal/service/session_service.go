package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"session-gateway/internal/domain"
	"session-gateway/internal/observability"
	"session-gateway/internal/repository"
	"session-gateway/internal/security"
)

var (
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")
	// ErrStoreUnavailable marks a retryable infrastructure failure. It is
	// never folded into "session valid".
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// TokenPair is what a login or refresh hands back to the transport layer.
// The store write that backs it has already committed by the time a pair
// exists.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
	Identity         domain.Identity
}

// UserFetcher resolves fresh identity attributes during refresh; the refresh
// token itself carries no email or role.
type UserFetcher func(userID string) (*domain.User, error)

type SessionService struct {
	jwtMgr       *security.JWTManager
	store        repository.SessionStore
	pepper       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

func NewSessionService(jwtMgr *security.JWTManager, store repository.SessionStore, pepper string, accessTTL, refreshTTL, storeTimeout time.Duration) *SessionService {
	return &SessionService{
		jwtMgr:       jwtMgr,
		store:        store,
		pepper:       pepper,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// CreateSession mints a fresh session id and token family, signs both
// tokens, and records the session durably before returning them.
func (s *SessionService) CreateSession(ctx context.Context, userID, email, role string) (*TokenPair, error) {
	sessionID, err := security.NewSessionID()
	if err != nil {
		return nil, err
	}
	family, err := security.NewTokenFamily()
	if err != nil {
		return nil, err
	}
	identity := domain.Identity{UserID: userID, Email: email, Role: role, SessionID: sessionID}
	pair, rec, err := s.mintPair(identity, family, s.now())
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.CompareAndSwap(storeCtx, sessionID, "", rec, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return pair, nil
}

// VerifyAccess checks signature and expiry only. It never touches the store,
// so it cannot fail on store unavailability; every authenticated request
// rides this path.
func (s *SessionService) VerifyAccess(raw string) (*domain.Identity, error) {
	claims, err := s.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return nil, security.ErrTokenInvalid
	}
	return &domain.Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}, nil
}

// Refresh rotates the token family. Presenting a refresh token whose hash no
// longer matches the stored one is treated as theft: the whole session is
// hard-invalidated. The store overwrite is a compare-and-swap on the old
// family, so of two concurrent refreshes exactly one can win.
func (s *SessionService) Refresh(ctx context.Context, oldRefresh string, fetchUser UserFetcher) (*TokenPair, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(oldRefresh)
	if err != nil {
		observability.RecordRefreshAttempt(ctx, "invalid_token")
		return nil, ErrInvalidRefreshToken
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	rec, err := s.store.Get(storeCtx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordRefreshAttempt(ctx, "unknown_session")
			return nil, ErrInvalidRefreshToken
		}
		observability.RecordRefreshAttempt(ctx, "store_error")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rec.UserID != claims.Subject {
		observability.RecordRefreshAttempt(ctx, "invalid_token")
		return nil, ErrInvalidRefreshToken
	}

	if !security.HashEquals(rec.RefreshTokenHash, security.HashRefreshToken(oldRefresh, s.pepper)) {
		// A legitimate client never replays a rotated refresh token, so a
		// mismatching hash means this token (or the current one) is stolen.
		// The entire family dies with the session.
		if err := s.store.Delete(storeCtx, claims.SessionID); err != nil {
			observability.RecordRefreshAttempt(ctx, "store_error")
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		observability.RecordSessionReuseDetected(ctx)
		observability.RecordRefreshAttempt(ctx, "reuse_detected")
		slog.WarnContext(ctx, "refresh token reuse detected, session invalidated",
			"user_id", rec.UserID,
			"session_id", rec.SessionID,
		)
		return nil, ErrRefreshReuseDetected
	}

	user, err := fetchUser(rec.UserID)
	if err != nil {
		observability.RecordRefreshAttempt(ctx, "user_lookup_failed")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	newFamily, err := security.NewTokenFamily()
	if err != nil {
		return nil, err
	}
	identity := domain.Identity{UserID: user.ID, Email: user.Email, Role: user.Role, SessionID: rec.SessionID}
	pair, newRec, err := s.mintPair(identity, newFamily, rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	// Committing the new family before returning the pair keeps a
	// half-finished refresh from ever handing out uncommitted tokens.
	if err := s.store.CompareAndSwap(storeCtx, rec.SessionID, rec.TokenFamily, newRec, s.refreshTTL); err != nil {
		switch {
		case errors.Is(err, repository.ErrCASConflict), errors.Is(err, repository.ErrSessionNotFound):
			// A concurrent refresh rotated first; this caller lost the race.
			observability.RecordRefreshAttempt(ctx, "lost_race")
			return nil, ErrInvalidRefreshToken
		default:
			observability.RecordRefreshAttempt(ctx, "store_error")
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	observability.RecordRefreshAttempt(ctx, "success")
	return pair, nil
}

// Invalidate deletes the session record. Logging out an already-absent
// session succeeds.
func (s *SessionService) Invalidate(ctx context.Context, sessionID string) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.Delete(storeCtx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SessionService) mintPair(identity domain.Identity, family string, createdAt time.Time) (*TokenPair, *domain.Session, error) {
	now := s.now()
	access, err := s.jwtMgr.SignAccessToken(identity, s.accessTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.jwtMgr.SignRefreshToken(identity.UserID, identity.SessionID, family, s.refreshTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("sign refresh token: %w", err)
	}
	rec := &domain.Session{
		SessionID:        identity.SessionID,
		UserID:           identity.UserID,
		TokenFamily:      family,
		RefreshTokenHash: security.HashRefreshToken(refresh, s.pepper),
		CreatedAt:        createdAt,
		RotatedAt:        now,
		ExpiresAt:        now.Add(s.refreshTTL),
	}
	pair := &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(s.refreshTTL),
		SessionID:        identity.SessionID,
		Identity:         identity,
	}
	return pair, rec, nil
}

func (s *SessionService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	// Detached from the request context: a rotation that reached the store
	// must complete and stay authoritative even if the caller disconnects.
	return context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}
