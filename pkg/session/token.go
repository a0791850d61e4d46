package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryBuffer is how long before hard expiry a token is already
// treated as expired, so refresh happens comfortably ahead of upstream
// rejections even under retry delays.
const DefaultExpiryBuffer = 300 * time.Second

var tokenParser = jwt.NewParser()

// ExpiresAt decodes the token's expiry claim without verifying the signature.
// The token is opaque to this service; validity is upstream's concern.
func ExpiresAt(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, sessionError(ErrAuth, "empty token")
	}

	parsed, _, err := tokenParser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, sessionError(ErrAuth, "undecodable token")
	}

	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, sessionError(ErrAuth, "token carries no expiry claim")
	}
	return expiry.Time, nil
}

// IsExpired reports whether the token should be treated as expired, i.e.
// now >= expiry - buffer. Tokens that cannot be decoded or carry no expiry
// claim are treated as expired (fail closed).
func IsExpired(token string, buffer time.Duration) bool {
	return isExpiredAt(token, buffer, time.Now())
}

func isExpiredAt(token string, buffer time.Duration, now time.Time) bool {
	expiry, err := ExpiresAt(token)
	if err != nil {
		return true
	}
	return !now.Before(expiry.Add(-buffer))
}

// TokenUserID extracts the subject claim from the access token without
// verifying the signature.
func TokenUserID(token string) (string, error) {
	parsed, _, err := tokenParser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", sessionError(ErrAuth, "undecodable token")
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", sessionError(ErrAuth, "token carries no subject claim")
	}
	return subject, nil
}
