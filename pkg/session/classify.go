package session

import (
	"context"
	"errors"
	"strings"
)

// Kind is the retry-relevant classification of an upstream failure.
type Kind int

const (
	// KindTransient failures are retried on the exponential backoff schedule.
	KindTransient Kind = iota
	// KindAuth failures trigger a forced re-login before retrying.
	KindAuth
	// KindRateLimit failures back off for a fixed penalty window.
	KindRateLimit
	// KindContention failures mean another worker holds the login lock; they
	// escape immediately so the caller can wait out its own schedule instead
	// of piling more lock waits onto the retry loop.
	KindContention
	// KindFatal failures are never retried.
	KindFatal
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindContention:
		return "contention"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// The upstream service has no stable machine-readable error code contract, so
// classification falls back to substring matching on its human-readable error
// text. All matching rules live here so they can be hardened in one place.
var (
	authSubstrings = []string{
		"401",
		"unauthorized",
		"invalid_grant",
		"invalid token",
		"token expired",
		"token has expired",
		"captcha_invalid",
	}
	rateLimitSubstrings = []string{
		"429",
		"too frequent",
		"too many requests",
		"rate limit",
		"quota exceeded",
	}
)

// Classify maps an upstream failure to its retry-relevant kind. Sentinel
// errors from this package win over substring matching; unknown errors are
// treated as transient so they stay on the bounded retry path.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrFatalConfig), errors.Is(err, ErrNoCredentials):
		return KindFatal
	case errors.Is(err, ErrLockTimeout):
		return KindContention
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindFatal
	}

	text := strings.ToLower(err.Error())
	for _, fragment := range rateLimitSubstrings {
		if strings.Contains(text, fragment) {
			return KindRateLimit
		}
	}
	for _, fragment := range authSubstrings {
		if strings.Contains(text, fragment) {
			return KindAuth
		}
	}
	return KindTransient
}
