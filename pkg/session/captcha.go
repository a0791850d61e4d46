package session

import (
	"context"
	"sync"
	"time"
)

// captchaExpiryBuffer discards cached proofs slightly before their upstream
// expiry so a request never arrives with a token that dies in flight.
const captchaExpiryBuffer = 30 * time.Second

type cachedProof struct {
	token     string
	expiresAt time.Time
}

// CaptchaCache caches per-action proof tokens so repeated calls to the same
// upstream endpoint reuse one mint instead of hitting the shield service on
// every request.
type CaptchaCache struct {
	manager *Manager

	mu     sync.Mutex
	proofs map[string]cachedProof

	now func() time.Time
}

// NewCaptchaCache creates an action proof cache backed by the manager's
// upstream API and identity.
func NewCaptchaCache(manager *Manager) *CaptchaCache {
	return &CaptchaCache{
		manager: manager,
		proofs:  make(map[string]cachedProof),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Token returns a valid proof token for the given action, minting one
// upstream only when no cached token has comfortable lifetime left.
func (c *CaptchaCache) Token(ctx context.Context, action string) (string, error) {
	if action == "" {
		return "", sessionError(ErrFatalConfig, "action is required")
	}

	c.mu.Lock()
	if proof, ok := c.proofs[action]; ok && c.now().Before(proof.expiresAt) {
		c.mu.Unlock()
		recordCaptcha("cache")
		return proof.token, nil
	}
	c.mu.Unlock()

	userID, err := c.manager.UserID()
	if err != nil {
		return "", err
	}

	proof, err := c.manager.api.MintActionProof(ctx, action, userID)
	if err != nil {
		return "", err
	}

	expiresAt := c.now().Add(time.Duration(proof.ExpiresIn)*time.Second - captchaExpiryBuffer)
	c.mu.Lock()
	c.proofs[action] = cachedProof{token: proof.Token, expiresAt: expiresAt}
	c.mu.Unlock()

	recordCaptcha("minted")
	return proof.Token, nil
}

// Invalidate drops the cached proof for an action, forcing the next Token
// call to mint a fresh one.
func (c *CaptchaCache) Invalidate(action string) {
	c.mu.Lock()
	delete(c.proofs, action)
	c.mu.Unlock()
}

// Reset drops every cached proof, used after a re-login changes the identity
// the proofs were minted for.
func (c *CaptchaCache) Reset() {
	c.mu.Lock()
	c.proofs = make(map[string]cachedProof)
	c.mu.Unlock()
}
