package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skypier/skypier/pkg/observability/logger"
	"github.com/skypier/skypier/pkg/session"
)

// Default upstream hosts.
const (
	DefaultUserBaseURL = "https://user.mypikpak.com"
	DefaultAPIBaseURL  = "https://api-drive.mypikpak.com"
)

const defaultHTTPTimeout = 30 * time.Second

var (
	emailPattern = regexp.MustCompile(`^\w+([-+.]\w+)*@\w+([-.]\w+)*\.\w+([-.]\w+)*$`)
	phonePattern = regexp.MustCompile(`^\d{11,18}$`)
)

// Config holds the upstream client configuration.
type Config struct {
	UserBaseURL string
	APIBaseURL  string
	DeviceID    string
	HTTPTimeout time.Duration
	// CaptchaMintInterval is the minimum spacing between shield mints; the
	// shield endpoint penalizes bursts harder than any other call.
	CaptchaMintInterval time.Duration
}

func (c *Config) normalize() {
	if c.UserBaseURL == "" {
		c.UserBaseURL = DefaultUserBaseURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.CaptchaMintInterval <= 0 {
		c.CaptchaMintInterval = 2 * time.Second
	}
	c.UserBaseURL = strings.TrimRight(c.UserBaseURL, "/")
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
}

// Client talks to the upstream auth and shield endpoints. It implements
// session.API.
type Client struct {
	http        *http.Client
	config      Config
	log         logger.Logger
	mintLimiter *rate.Limiter
	now         func() time.Time
}

// NewClient creates an upstream client.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	cfg.normalize()

	return &Client{
		http:        &http.Client{Timeout: cfg.HTTPTimeout},
		config:      cfg,
		log:         log.With("component", "upstream"),
		mintLimiter: rate.NewLimiter(rate.Every(cfg.CaptchaMintInterval), 1),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// APIError is a decoded upstream error response.
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        int    `json:"error_code"`
	Name        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream status %d (%s): %s", e.StatusCode, e.Name, e.Description)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Subject      string `json:"sub"`
	ExpiresIn    int    `json:"expires_in"`
}

type captchaResponse struct {
	CaptchaToken string `json:"captcha_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Login performs a full credential sign-in, minting the captcha proof the
// sign-in endpoint demands first.
func (c *Client) Login(ctx context.Context, username, password string) (*session.Credentials, error) {
	signinURL := c.config.UserBaseURL + "/v1/auth/signin"

	// The sign-in captcha meta identifies the account rather than the user id,
	// keyed by whichever identifier shape the username matches.
	meta := map[string]any{}
	switch {
	case emailPattern.MatchString(username):
		meta["email"] = username
	case phonePattern.MatchString(username):
		meta["phone_number"] = username
	default:
		meta["username"] = username
	}

	captchaToken, _, err := c.mintCaptcha(ctx, "POST:"+signinURL, meta)
	if err != nil {
		return nil, fmt.Errorf("sign-in captcha: %w", err)
	}

	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"username":      {username},
		"password":      {password},
		"captcha_token": {captchaToken},
	}

	var token tokenResponse
	if err := c.postForm(ctx, signinURL, form, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, session.ErrTransient
	}

	c.log.Info("signed in", "user_id", token.Subject, "expires_in", token.ExpiresIn)
	return &session.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		UserID:       token.Subject,
	}, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*session.Credentials, error) {
	payload := map[string]string{
		"client_id":     clientID,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	}

	var token tokenResponse
	if err := c.postJSON(ctx, c.config.UserBaseURL+"/v1/auth/token", "", payload, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, session.ErrTransient
	}

	c.log.Info("token refreshed", "user_id", token.Subject, "expires_in", token.ExpiresIn)
	return &session.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		UserID:       token.Subject,
	}, nil
}

// MintActionProof mints a shield captcha token scoped to one action.
func (c *Client) MintActionProof(ctx context.Context, action, userID string) (*session.ActionProof, error) {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	meta := map[string]any{
		"captcha_sign":   captchaSign(c.config.DeviceID, timestamp),
		"client_version": clientVersion,
		"package_name":   packageName,
		"user_id":        userID,
		"timestamp":      timestamp,
	}

	token, expiresIn, err := c.mintCaptcha(ctx, action, meta)
	if err != nil {
		return nil, err
	}
	return &session.ActionProof{Token: token, ExpiresIn: expiresIn}, nil
}

func (c *Client) mintCaptcha(ctx context.Context, action string, meta map[string]any) (string, int, error) {
	if err := c.mintLimiter.Wait(ctx); err != nil {
		return "", 0, err
	}

	payload := map[string]any{
		"client_id": clientID,
		"action":    action,
		"device_id": c.config.DeviceID,
		"meta":      meta,
	}

	var resp captchaResponse
	if err := c.postJSON(ctx, c.config.UserBaseURL+"/v1/shield/captcha/init", "", payload, &resp); err != nil {
		return "", 0, err
	}
	if resp.CaptchaToken == "" {
		return "", 0, fmt.Errorf("%w: shield returned no captcha token", session.ErrTransient)
	}
	return resp.CaptchaToken, resp.ExpiresIn, nil
}

func (c *Client) postJSON(ctx context.Context, rawURL, accessToken string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("X-Device-Id", c.config.DeviceID)
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Device-Id", c.config.DeviceID)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", session.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", session.ErrTransient, err)
	}
	return nil
}

// decodeError maps an error response to the sentinel taxonomy by status code
// first, falling back to the decoded error body text.
func (c *Client) decodeError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}
	_ = json.Unmarshal(body, apiErr)
	if apiErr.Description == "" {
		apiErr.Description = strings.TrimSpace(string(body))
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errors.Join(session.ErrAuth, apiErr)
	case statusCode == http.StatusTooManyRequests:
		return errors.Join(session.ErrRateLimited, apiErr)
	case statusCode >= 500:
		return errors.Join(session.ErrTransient, apiErr)
	}

	// 4xx with throttle text still means back off.
	if session.Classify(apiErr) == session.KindRateLimit {
		return errors.Join(session.ErrRateLimited, apiErr)
	}
	return apiErr
}
