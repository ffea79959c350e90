// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/soothill/nest-device-exporter/pkg/logger"
	"golang.org/x/time/rate"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func TestRateLimitMiddleware_WithinLimit(t *testing.T) {
	limiter := rate.NewLimiter(10, 20)
	rateLimitedHandler := rateLimitMiddleware(limiter, okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rateLimitedHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("rateLimitMiddleware() status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "OK" {
		t.Errorf("rateLimitMiddleware() body = %s, want OK", w.Body.String())
	}
}

func TestRateLimitMiddleware_ExceedLimit(t *testing.T) {
	limiter := rate.NewLimiter(1, 1)
	rateLimitedHandler := rateLimitMiddleware(limiter, okHandler)

	w1 := httptest.NewRecorder()
	rateLimitedHandler(w1, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w1.Code != http.StatusOK {
		t.Errorf("First request: status = %d, want %d", w1.Code, http.StatusOK)
	}

	// Burst is exhausted.
	w2 := httptest.NewRecorder()
	rateLimitedHandler(w2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(w2.Body.String(), "Rate limit exceeded") {
		t.Errorf("Second request: body = %s, want to contain 'Rate limit exceeded'", w2.Body.String())
	}
}

func TestRateLimitMiddleware_BurstCapacity(t *testing.T) {
	limiter := rate.NewLimiter(1, 5)
	rateLimitedHandler := rateLimitMiddleware(limiter, okHandler)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		rateLimitedHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	rateLimitedHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Request 6: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger.InitializeWithWriter("info", &buf)
	t.Cleanup(func() { logger.Initialize("info") })

	h := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "target parameter required", http.StatusBadRequest)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devices", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	out := buf.String()
	for _, want := range []string{`"method":"GET"`, `"path":"/devices"`, `"status":400`, `"component":"http"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}
