package domain

import "time"

// Session is the server-side record behind one authenticated login. The
// record never holds a refresh token, only its one-way hash; TokenFamily is
// replaced on every successful rotation and there is exactly one valid
// family per session at any time.
type Session struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	TokenFamily      string    `json:"token_family"`
	RefreshTokenHash string    `json:"refresh_token_hash"`
	CreatedAt        time.Time `json:"created_at"`
	RotatedAt        time.Time `json:"rotated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Identity is what a verified access token proves. The gateway consumes it
// as opaque claims; the user directory owns the authoritative copy.
type Identity struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}
