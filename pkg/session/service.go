package session

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Tokens this close to expiry are treated as expired so they do not die
// in flight between the edge and the backend.
const expirySkew = 5 * time.Second

// Trusted reports whether the access token may be presented as is.
// Only the `exp` claim of JWT tokens is inspected; the signature is the
// backend's business. Opaque tokens are trusted on presence.
func Trusted(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return now.Add(expirySkew).Before(claims.ExpiresAt.Time)
}
