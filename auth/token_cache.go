// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package auth provides the self-renewing OAuth access token used for
// Smart Device Management API calls.
//
// TokenCache holds at most one token. Concurrent callers that find no valid
// token share a single exchange with the token endpoint; once a token is
// obtained a timer renews it when it expires. An error payload from the token
// endpoint is sticky: the cache stays tokenless and every later caller gets
// the same *errors.AuthError until the process is restarted. Transport
// failures and timeouts are not sticky; the next caller triggers a new
// exchange.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/nest-device-exporter/pkg/errors"
	"github.com/soothill/nest-device-exporter/pkg/logger"
	"github.com/soothill/nest-device-exporter/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTokenURL is Google's OAuth2 token endpoint.
	DefaultTokenURL = "https://www.googleapis.com/oauth2/v4/token"

	defaultTimeout = 10 * time.Second
	flightKey      = "access_token"
	maxBodySize    = 1 << 20
)

// Credentials identify the Device Access client.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// AccessToken is a bearer token and the instant it stops being valid.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at now.
func (t *AccessToken) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenState is a snapshot of the cache for diagnostics.
type TokenState struct {
	HasToken   bool
	ExpiresAt  time.Time
	Refreshing bool
	Refreshes  int
	Generation uint64
	LastError  error
}

type timer interface {
	Stop() bool
}

// TokenCache provides a valid bearer token to concurrent callers.
type TokenCache struct {
	creds    Credentials
	tokenURL string
	client   *http.Client
	timeout  time.Duration
	margin   time.Duration
	log      zerolog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	token      *AccessToken
	authErr    error
	refreshing bool
	timer      timer
	generation uint64
	refreshes  int
	lastErr    error
	closed     bool
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option {
	return func(c *TokenCache) {
		if u != "" {
			c.tokenURL = u
		}
	}
}

// WithHTTPClient sets the client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(c *TokenCache) { c.client = client }
}

// WithTimeout bounds each token exchange. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(c *TokenCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRefreshMargin renews the token this long before it expires.
func WithRefreshMargin(d time.Duration) Option {
	return func(c *TokenCache) { c.margin = d }
}

// NewTokenCache creates a token cache. No exchange happens until Start or
// the first call to Token.
func NewTokenCache(creds Credentials, opts ...Option) *TokenCache {
	c := &TokenCache{
		creds:    creds,
		tokenURL: DefaultTokenURL,
		client:   &http.Client{},
		timeout:  defaultTimeout,
		log:      logger.Component("auth"),
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start performs the first exchange and waits for it. An error here means
// the process should not start serving.
func (c *TokenCache) Start(ctx context.Context) error {
	_, err := c.Token(ctx)
	return err
}

// Token returns the current access token. Callers that arrive while an
// exchange is in flight, or when no token is held, wait for that exchange.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return "", errors.ErrCacheClosed
	case !c.refreshing && c.token.Valid(c.now()):
		value := c.token.Value
		c.mu.Unlock()
		return value, nil
	case !c.refreshing && c.authErr != nil:
		err := c.authErr
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		return c.refresh(false)
	})
	select {
	case <-ctx.Done():
		return "", errors.NewRetryableError("await access token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Ready reports whether a valid token is currently held.
func (c *TokenCache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.token.Valid(c.now())
}

// State returns a snapshot of the cache.
func (c *TokenCache) State() TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := TokenState{
		HasToken:   c.token.Valid(c.now()),
		Refreshing: c.refreshing,
		Refreshes:  c.refreshes,
		Generation: c.generation,
		LastError:  c.lastErr,
	}
	if c.token != nil {
		st.ExpiresAt = c.token.ExpiresAt
	}
	return st
}

// Close stops the renewal timer and cancels any in-flight exchange.
func (c *TokenCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.token = nil
	c.cancel()
	metrics.AuthenticationValid.Set(0)
	c.log.Info().Msg("Token cache closed")
}

// refresh runs inside the single-flight group. A forced refresh always
// exchanges; otherwise a token or sticky error that appeared while the caller
// was queueing is returned as is.
func (c *TokenCache) refresh(force bool) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.ErrCacheClosed
	}
	if !force {
		if c.token.Valid(c.now()) && !c.refreshing {
			value := c.token.Value
			c.mu.Unlock()
			return value, nil
		}
		if c.authErr != nil {
			err := c.authErr
			c.mu.Unlock()
			return "", err
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	tok, err := c.exchange(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false
	c.refreshes++

	if c.closed {
		return "", errors.ErrCacheClosed
	}

	if err != nil {
		c.lastErr = err
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		if errors.IsAuthError(err) {
			c.authErr = err
			c.token = nil
			metrics.TokenRefreshes.WithLabelValues(metrics.ResultAuth).Inc()
		} else {
			// A token that has not expired yet stays usable; once it
			// expires the next caller starts a new exchange.
			metrics.TokenRefreshes.WithLabelValues(metrics.ResultRemote).Inc()
		}
		if c.token.Valid(c.now()) {
			c.log.Warn().Err(err).Time("expires_at", c.token.ExpiresAt).
				Msg("Token renewal failed, keeping current token until it expires")
			return c.token.Value, nil
		}
		c.token = nil
		metrics.AuthenticationValid.Set(0)
		c.log.Error().Err(err).Int("attempt", c.refreshes).Msg("Failed to obtain access token")
		return "", err
	}

	c.token = tok
	c.lastErr = nil
	c.generation++
	c.schedule(tok)

	metrics.TokenRefreshes.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.AuthenticationValid.Set(1)
	metrics.TokenExpiry.Set(float64(tok.ExpiresAt.Unix()))
	c.log.Info().Time("expires_at", tok.ExpiresAt).Uint64("generation", c.generation).
		Msg("Successfully obtained access token")

	return tok.Value, nil
}

// schedule replaces the renewal timer. Callers hold c.mu.
func (c *TokenCache) schedule(tok *AccessToken) {
	if c.timer != nil {
		c.timer.Stop()
	}
	// The margin never takes more than half the lifetime, so a short-lived
	// token cannot put renewal into a tight loop.
	lifetime := tok.ExpiresAt.Sub(c.now())
	delay := lifetime - c.margin
	if delay < lifetime/2 {
		delay = lifetime / 2
	}
	gen := c.generation
	c.timer = c.afterFunc(delay, func() { c.renew(gen) })
}

// renew is the timer callback. Timers from superseded generations do nothing.
func (c *TokenCache) renew(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	c.log.Info().Msg("Refreshing access token...")
	// The result is stored by refresh; waiters attach through Token.
	c.group.DoChan(flightKey, func() (interface{}, error) {
		return c.refresh(true)
	})
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	ExpiresIn        int64           `json:"expires_in"`
	TokenType        string          `json:"token_type"`
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// exchange trades the refresh token for an access token.
func (c *TokenCache) exchange(ctx context.Context) (*AccessToken, error) {
	u, err := url.Parse(c.tokenURL)
	if err != nil {
		return nil, errors.NewRemoteAPIError("token exchange", 0, "", err)
	}
	q := u.Query()
	q.Set("client_id", c.creds.ClientID)
	q.Set("client_secret", c.creds.ClientSecret)
	q.Set("refresh_token", c.creds.RefreshToken)
	q.Set("grant_type", "refresh_token")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, errors.NewRemoteAPIError("token exchange", 0, "", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// The request URL carries the client secret and refresh token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, errors.NewRetryableError("token exchange", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.NewRetryableError("token exchange", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.NewRemoteAPIError("token exchange", resp.StatusCode, string(body), err)
	}

	if len(tr.Error) > 0 && string(tr.Error) != "null" {
		return nil, errors.NewAuthError(errorCode(tr.Error), tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return nil, errors.NewRemoteAPIError("token exchange", resp.StatusCode, string(body),
			fmt.Errorf("response has no access_token"))
	}
	if tr.ExpiresIn <= 0 {
		return nil, errors.NewRemoteAPIError("token exchange", resp.StatusCode, "",
			fmt.Errorf("invalid expires_in %d", tr.ExpiresIn))
	}

	return &AccessToken{
		Value:     tr.AccessToken,
		ExpiresAt: c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// errorCode extracts the OAuth error code, which is normally a string but is
// an object for some Google endpoints.
func errorCode(raw json.RawMessage) string {
	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		return code
	}
	var obj struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Status != "" {
		return obj.Status
	}
	return string(raw)
}
