package security

import (
	"net/http"
	"time"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetSessionCookies installs both tokens with the fixed cookie contract:
// HttpOnly, SameSite=Lax, Path=/ and Secure outside local development.
func SetSessionCookies(w http.ResponseWriter, access string, accessExpiry time.Time, refresh string, refreshExpiry time.Time, secure bool) {
	http.SetCookie(w, sessionCookie(AccessTokenCookie, access, accessExpiry, secure))
	http.SetCookie(w, sessionCookie(RefreshTokenCookie, refresh, refreshExpiry, secure))
}

func ClearSessionCookies(w http.ResponseWriter, secure bool) {
	expired := time.Unix(0, 0)
	http.SetCookie(w, sessionCookie(AccessTokenCookie, "", expired, secure))
	http.SetCookie(w, sessionCookie(RefreshTokenCookie, "", expired, secure))
}

func sessionCookie(name, value string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
