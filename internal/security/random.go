package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	sessionIDBytes   = 32 // 256-bit, stable for the session's lifetime
	tokenFamilyBytes = 16 // 128-bit, rotates on every refresh
)

func NewSessionID() (string, error) {
	return randomToken(sessionIDBytes)
}

func NewTokenFamily() (string, error) {
	return randomToken(tokenFamilyBytes)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
