package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth classifies upstream rejections of the current credential,
	// recoverable by a forced re-login.
	ErrAuth = errors.New("session auth error")
	// ErrRateLimited classifies upstream throttling, recoverable only by
	// waiting out the cooldown. Never retried immediately.
	ErrRateLimited = errors.New("session rate limited")
	// ErrLockTimeout classifies a coordination lock that could not be acquired
	// or observed released within budget. Signals contention, not failure.
	ErrLockTimeout = errors.New("session lock wait timed out")
	// ErrTransient classifies network/timeout/5xx failures safe to retry with backoff.
	ErrTransient = errors.New("session transient error")
	// ErrNoCredentials classifies an empty durable credential store.
	ErrNoCredentials = errors.New("session credentials not found")
	// ErrFatalConfig classifies missing account configuration. Not recoverable
	// without operator intervention.
	ErrFatalConfig = errors.New("session configuration error")
)

func sessionError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
