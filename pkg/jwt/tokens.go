package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when a credential is not a parseable JWT.
var ErrMalformed = errors.New("jwt: malformed token")

// Claims is the subset of the session credential the launcher inspects.
// The signature is never verified on the device; the backend remains the
// authority and rejects forged tokens with 401.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

// Inspect decodes token without verifying the signature.
func Inspect(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwtlib.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return claims, nil
}

// Expired reports whether token carries an exp claim before now. Tokens
// without exp, or that cannot be decoded, are not considered expired here.
func Expired(token string, now time.Time) bool {
	claims, err := Inspect(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Time.After(now)
}
