package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindTransient},
		{"sentinel rate limited", ErrRateLimited, KindRateLimit},
		{"wrapped rate limited", fmt.Errorf("login: %w", ErrRateLimited), KindRateLimit},
		{"sentinel auth", ErrAuth, KindAuth},
		{"sentinel fatal config", ErrFatalConfig, KindFatal},
		{"sentinel no credentials", ErrNoCredentials, KindFatal},
		{"sentinel lock timeout", ErrLockTimeout, KindContention},
		{"sentinel transient", ErrTransient, KindTransient},
		{"context canceled", context.Canceled, KindFatal},
		{"http 401 text", errors.New("request failed with status 401"), KindAuth},
		{"unauthorized text", errors.New("upstream says: Unauthorized"), KindAuth},
		{"invalid grant text", errors.New("oauth error: invalid_grant"), KindAuth},
		{"expired token text", errors.New("the token has expired, please sign in"), KindAuth},
		{"captcha text", errors.New("captcha_invalid: please retry"), KindAuth},
		{"http 429 text", errors.New("request failed with status 429"), KindRateLimit},
		{"too frequent text", errors.New("operations are Too Frequent"), KindRateLimit},
		{"rate limit text", errors.New("rate limit exceeded for account"), KindRateLimit},
		{"quota text", errors.New("daily quota exceeded"), KindRateLimit},
		{"plain network error", errors.New("dial tcp: connection refused"), KindTransient},
		{"unknown upstream error", errors.New("internal server error"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// A 429 whose text also mentions the token must still count as rate limited:
// backing off is always the safer interpretation of a throttle response.
func TestClassify_RateLimitWinsOverAuthText(t *testing.T) {
	err := errors.New("429 too many requests: token expired retry window")
	if got := Classify(err); got != KindRateLimit {
		t.Errorf("Expected rate limit classification, got %v", got)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindTransient, "transient"},
		{KindAuth, "auth"},
		{KindRateLimit, "rate_limit"},
		{KindContention, "contention"},
		{KindFatal, "fatal"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
