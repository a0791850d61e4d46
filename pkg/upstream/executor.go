package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skypier/skypier/pkg/observability/logger"
	"github.com/skypier/skypier/pkg/resilience"
	"github.com/skypier/skypier/pkg/session"
)

// ExecutorConfig controls the retry, breaker and timeout envelope wrapped
// around every protected upstream call.
type ExecutorConfig struct {
	MaxAttempts      int
	RequestTimeout   time.Duration
	RateLimitDelay   time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

func (c *ExecutorConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 60 * time.Second
	}
}

// Executor runs upstream operations behind the full protection stack: session
// freshness, per-endpoint circuit breaker, hard per-attempt timeout, and a
// classification-driven retry schedule. Auth failures force one re-login;
// rate limits wait a fixed floor delay; lock contention escapes immediately;
// everything else backs off exponentially.
type Executor struct {
	manager *session.Manager
	log     logger.Logger
	config  ExecutorConfig
	backoff *resilience.Backoff

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a protected call executor bound to a session manager.
func NewExecutor(manager *session.Manager, log logger.Logger, cfg ExecutorConfig) (*Executor, error) {
	if manager == nil {
		return nil, errors.New("session manager is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	return &Executor{
		manager:  manager,
		log:      log.With("component", "executor"),
		config:   cfg,
		backoff:  resilience.NewBackoff(cfg.BackoffBase, cfg.BackoffMax, 0.1),
		breakers: make(map[string]*resilience.CircuitBreaker),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}, nil
}

// breaker returns the endpoint's circuit breaker, creating it on first use.
// Breakers are process-local: a worker's view of a failing endpoint is its
// own observed failures, not the cluster's.
func (e *Executor) breaker(name string) *resilience.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(e.config.BreakerThreshold, e.config.BreakerReset)
		e.breakers[name] = cb
	}
	return cb
}

// Do runs op under the protection stack. name identifies the endpoint for
// breaker and metric purposes.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	reloginSpent := false

	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay(lastErr, attempt-1)
			e.log.Warn("retrying upstream call",
				"endpoint", name,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}

		if _, err := e.manager.EnsureLoggedIn(ctx, false); err != nil {
			switch session.Classify(err) {
			case session.KindRateLimit, session.KindFatal:
				// Will not resolve within this call's retry budget.
				recordCall(name, "login_failed")
				return err
			case session.KindContention:
				// Another worker holds the login lock. Retrying here would
				// stack more full lock waits; the caller decides when to try
				// again.
				recordCall(name, "lock_contention")
				return err
			}
			lastErr = err
			continue
		}

		err := e.attempt(ctx, name, op)
		if err == nil {
			recordCall(name, "success")
			return nil
		}
		lastErr = err

		switch session.Classify(err) {
		case session.KindFatal:
			recordCall(name, "fatal")
			return err
		case session.KindContention:
			recordCall(name, "lock_contention")
			return err
		case session.KindAuth:
			if reloginSpent {
				recordCall(name, "auth_failed")
				return err
			}
			reloginSpent = true
			recordCall(name, "relogin")
			if _, loginErr := e.manager.EnsureLoggedIn(ctx, true); loginErr != nil {
				return errors.Join(err, loginErr)
			}
			// The attempt loop retries with the fresh session; an auth error
			// does not consume backoff delay.
			retryErr := e.attempt(ctx, name, op)
			if retryErr == nil {
				recordCall(name, "success")
				return nil
			}
			if session.Classify(retryErr) == session.KindAuth {
				// Still rejected with a fresh session: the credential itself
				// is bad, more retries cannot help.
				recordCall(name, "auth_failed")
				return retryErr
			}
			lastErr = retryErr
		}
	}

	recordCall(name, "exhausted")
	return lastErr
}

func (e *Executor) attempt(ctx context.Context, name string, op func(ctx context.Context) error) error {
	recordAttempt(name)
	return e.breaker(name).Execute(func() error {
		return resilience.WithTimeout(ctx, e.config.RequestTimeout, op)
	})
}

// retryDelay picks the wait before the next attempt: a fixed floor for rate
// limits, the exponential schedule for everything else.
func (e *Executor) retryDelay(err error, attempt int) time.Duration {
	if session.Classify(err) == session.KindRateLimit {
		return e.config.RateLimitDelay
	}
	return e.backoff.Delay(attempt)
}

// BreakerState reports the endpoint's breaker state for health surfaces.
func (e *Executor) BreakerState(name string) resilience.State {
	return e.breaker(name).GetState()
}
