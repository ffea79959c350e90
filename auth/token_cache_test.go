// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soothill/nest-device-exporter/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

// fakeClock freezes time and records timers instead of arming them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)
}

func (fc *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	fc.timers = append(fc.timers, t)
	return t
}

func (fc *fakeClock) Timers() []*fakeTimer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]*fakeTimer(nil), fc.timers...)
}

func newTestCache(t *testing.T, srv *httptest.Server, clock *fakeClock, opts ...Option) *TokenCache {
	t.Helper()
	opts = append([]Option{WithTokenURL(srv.URL + "/token"), WithHTTPClient(srv.Client())}, opts...)
	c := NewTokenCache(Credentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: "refresh-token",
	}, opts...)
	c.now = clock.Now
	c.afterFunc = clock.AfterFunc
	t.Cleanup(c.Close)
	return c
}

// sequenceServer answers token requests with token-1, token-2, ... and
// expires_in 3600 unless fail reports true for the request number.
func sequenceServer(t *testing.T, fail func(n int64) bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if fail != nil && fail(n) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":3600,"token_type":"Bearer"}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// dropConnection closes the client connection without writing a response.
func dropConnection(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	require.True(t, ok)
	conn, _, err := hj.Hijack()
	require.NoError(t, err)
	_ = conn.Close()
}

func TestToken_ConcurrentCallersShareOneExchange(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = fmt.Fprint(w, `{"access_token":"shared-token","expires_in":3600}`)
	}))
	defer srv.Close()

	c := newTestCache(t, srv, newFakeClock())

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = c.Token(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load(), "exactly one upstream token request")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-token", tokens[i])
	}
}

func TestExchange_RequestShape(t *testing.T) {
	var method string
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		query = r.URL.Query()
		_, _ = fmt.Fprint(w, `{"access_token":"abc","expires_in":60}`)
	}))
	defer srv.Close()

	c := newTestCache(t, srv, newFakeClock())
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "client-secret", query.Get("client_secret"))
	assert.Equal(t, "refresh-token", query.Get("refresh_token"))
	assert.Equal(t, "refresh_token", query.Get("grant_type"))
}

func TestStart_AuthErrorIsFatal(t *testing.T) {
	srv, hits := sequenceServer(t, func(int64) bool { return true })
	clock := newFakeClock()
	c := newTestCache(t, srv, clock)

	err := c.Start(context.Background())
	require.Error(t, err)

	var ae *errors.AuthError
	require.True(t, errors.As(err, &ae), "want AuthError, got %T: %v", err, err)
	assert.Equal(t, "invalid_grant", ae.Code)
	assert.False(t, c.Ready())
	assert.Empty(t, clock.Timers(), "no renewal scheduled after failure")

	// The failure is sticky and does not hit the endpoint again.
	_, err = c.Token(context.Background())
	assert.True(t, errors.IsAuthError(err))
	assert.Equal(t, int64(1), hits.Load())
}

func TestStart_SchedulesRenewalAtExpiry(t *testing.T) {
	srv, _ := sequenceServer(t, nil)
	clock := newFakeClock()
	c := newTestCache(t, srv, clock)

	require.NoError(t, c.Start(context.Background()))

	timers := clock.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, time.Hour, timers[0].d)

	st := c.State()
	assert.True(t, st.HasToken)
	assert.Equal(t, clock.Now().Add(time.Hour), st.ExpiresAt)
	assert.Equal(t, uint64(1), st.Generation)
}

func TestRefreshMargin(t *testing.T) {
	tests := []struct {
		name   string
		margin time.Duration
		want   time.Duration
	}{
		{"no margin", 0, time.Hour},
		{"one minute", time.Minute, 59 * time.Minute},
		{"margin capped at half the lifetime", 2 * time.Hour, 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := sequenceServer(t, nil)
			clock := newFakeClock()
			c := newTestCache(t, srv, clock, WithRefreshMargin(tt.margin))

			require.NoError(t, c.Start(context.Background()))
			timers := clock.Timers()
			require.Len(t, timers, 1)
			assert.Equal(t, tt.want, timers[0].d)
		})
	}
}

func TestRenewal_ReplacesToken(t *testing.T) {
	srv, hits := sequenceServer(t, nil)
	clock := newFakeClock()
	c := newTestCache(t, srv, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	tok, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clock.Timers()[0].f()

	tok, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.Equal(t, int64(2), hits.Load())

	timers := clock.Timers()
	require.Len(t, timers, 2)
	assert.True(t, timers[0].stopped.Load(), "previous generation timer is stopped")
	assert.False(t, timers[1].stopped.Load())
}

func TestRenewal_StaleTimerIsIgnored(t *testing.T) {
	srv, hits := sequenceServer(t, nil)
	clock := newFakeClock()
	c := newTestCache(t, srv, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	first := clock.Timers()[0]
	first.f()
	_, err := c.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())

	// A callback from generation 1 firing late must not start an exchange.
	first.f()
	tok, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.Equal(t, int64(2), hits.Load())
}

func TestRenewal_LaterAuthFailurePropagates(t *testing.T) {
	srv, hits := sequenceServer(t, func(n int64) bool { return n > 1 })
	clock := newFakeClock()
	c := newTestCache(t, srv, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	clock.Timers()[0].f()

	_, err := c.Token(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsAuthError(err), "next caller sees the auth error, got %v", err)
	assert.False(t, c.Ready(), "stale token is not kept")

	_, err = c.Token(ctx)
	assert.True(t, errors.IsAuthError(err))
	assert.Equal(t, int64(2), hits.Load(), "no automatic retry after an auth error")
	assert.Len(t, clock.Timers(), 1, "no new renewal scheduled")
}

func TestToken_TimeoutIsRetryable(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = fmt.Fprint(w, `{"access_token":"after-timeout","expires_in":3600}`)
	}))
	defer srv.Close()

	c := newTestCache(t, srv, newFakeClock(), WithTimeout(50*time.Millisecond))

	_, err := c.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err), "timeout should be retryable, got %v", err)
	assert.False(t, errors.IsAuthError(err))

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after-timeout", tok)
}

func TestToken_TransportErrorHidesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dropConnection(t, w)
	}))
	defer srv.Close()

	c := newTestCache(t, srv, newFakeClock())

	_, err := c.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.NotContains(t, err.Error(), "client-secret")
	assert.NotContains(t, err.Error(), "refresh-token")

	var ue *url.Error
	assert.False(t, errors.As(err, &ue), "request URL must not be kept in the error chain")
}

func TestRenewal_TransportFailureKeepsValidToken(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 2 {
			dropConnection(t, w)
			return
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":3600}`, n)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c := newTestCache(t, srv, clock, WithRefreshMargin(10*time.Minute))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	timers := clock.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, 50*time.Minute, timers[0].d)

	clock.Advance(50 * time.Minute)
	timers[0].f()

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok, "still-valid token survives a failed renewal")
	assert.Equal(t, int64(2), hits.Load())
	assert.True(t, c.Ready())
	assert.Error(t, c.State().LastError)

	tok, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, int64(2), hits.Load(), "no exchange while the token is valid")

	clock.Advance(11 * time.Minute)
	assert.False(t, c.Ready())

	tok, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-3", tok)
	assert.Equal(t, int64(3), hits.Load(), "one new exchange after expiry")
	assert.Len(t, clock.Timers(), 2, "renewal rescheduled for the new token")
}

func TestToken_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestCache(t, srv, newFakeClock())

	_, err := c.Token(context.Background())
	require.Error(t, err)

	var re *errors.RemoteAPIError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadGateway, re.StatusCode)
}

func TestToken_CallerContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = fmt.Fprint(w, `{"access_token":"late","expires_in":3600}`)
	}))
	defer srv.Close()
	defer close(release)

	c := newTestCache(t, srv, newFakeClock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Token(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.IsRetryable(err))
}

func TestClose(t *testing.T) {
	srv, _ := sequenceServer(t, nil)
	clock := newFakeClock()
	c := newTestCache(t, srv, clock)

	require.NoError(t, c.Start(context.Background()))
	c.Close()
	c.Close()

	assert.True(t, clock.Timers()[0].stopped.Load(), "renewal timer cancelled on close")
	assert.False(t, c.Ready())

	_, err := c.Token(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCacheClosed))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"invalid_grant"`, "invalid_grant"},
		{`{"code":401,"message":"Request had invalid authentication credentials.","status":"UNAUTHENTICATED"}`, "UNAUTHENTICATED"},
		{`42`, "42"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode([]byte(tt.raw)))
	}
}

func TestAccessTokenValid(t *testing.T) {
	now := time.Now()
	var nilToken *AccessToken

	assert.False(t, nilToken.Valid(now))
	assert.False(t, (&AccessToken{Value: "", ExpiresAt: now.Add(time.Hour)}).Valid(now))
	assert.False(t, (&AccessToken{Value: "x", ExpiresAt: now}).Valid(now))
	assert.True(t, (&AccessToken{Value: "x", ExpiresAt: now.Add(time.Second)}).Valid(now))
}
