package rest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway treats tokens within this margin of their exp claim as
// already expired, so a request does not race the clock mid-flight.
const expiryLeeway = 10 * time.Second

// expired reports whether the access token carries an exp claim in the past.
// The signature is not verified; only the server can do that. Tokens that do
// not parse as JWTs, or carry no exp claim, are treated as live and left for
// the server to judge.
func expired(access string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < expiryLeeway
}
