package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"session-gateway/internal/domain"
)

// ErrTokenInvalid is the only error the codec surfaces for a token that does
// not verify. Malformed encoding, a bad signature, a foreign algorithm, an
// elapsed expiry and a missing claim are deliberately indistinguishable to
// the caller.
var ErrTokenInvalid = errors.New("invalid token")

type Claims struct {
	TokenType   string `json:"token_type"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	SessionID   string `json:"session_id"`
	TokenFamily string `json:"token_family,omitempty"`
	jwt.RegisteredClaims
}

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// JWTManager signs and verifies both token kinds with the single
// process-wide HS256 secret. The secret is loaded once at startup; rotating
// it means restarting and invalidating every outstanding token.
type JWTManager struct {
	issuer   string
	audience string
	secret   []byte
	now      func() time.Time
}

func NewJWTManager(issuer, audience, secret string) *JWTManager {
	return &JWTManager{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	m.now = now
	return m
}

func (m *JWTManager) SignAccessToken(identity domain.Identity, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		TokenType: tokenTypeAccess,
		Email:     identity.Email,
		Role:      identity.Role,
		SessionID: identity.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   identity.UserID,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTManager) SignRefreshToken(userID, sessionID, tokenFamily string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		TokenType:   tokenTypeRefresh,
		SessionID:   sessionID,
		TokenFamily: tokenFamily,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	claims, err := m.parse(raw, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" || claims.Role == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	claims, err := m.parse(raw, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.TokenFamily == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *JWTManager) parse(raw, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != tokenType || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
