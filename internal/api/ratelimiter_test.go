package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticLimiter struct {
	allow bool
}

func (s *staticLimiter) Allow(string) bool {
	return s.allow
}

type recordingLimiter struct {
	clients []string
}

func (r *recordingLimiter) Allow(client string) bool {
	r.clients = append(r.clients, client)
	return true
}

func TestRateLimitMiddlewareBlocksWhenLimiterDenies(t *testing.T) {
	middleware := rateLimitMiddleware(&staticLimiter{allow: false}, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler should not execute when rate limited")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	middleware.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewarePassesWhenLimiterAllows(t *testing.T) {
	var called bool
	middleware := rateLimitMiddleware(&staticLimiter{allow: true}, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	middleware.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to execute when limiter allows")
	}
}

func TestRateLimitMiddlewareKeysByClientHost(t *testing.T) {
	limiter := &recordingLimiter{}
	middleware := rateLimitMiddleware(limiter, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:53211"
	middleware.ServeHTTP(httptest.NewRecorder(), req)

	if len(limiter.clients) != 1 || limiter.clients[0] != "198.51.100.7" {
		t.Fatalf("expected limiter keyed by host, got %v", limiter.clients)
	}
}

func TestNewClientLimiterUsesDefaults(t *testing.T) {
	limiter := newClientLimiter(0, 0)
	if limiter == nil {
		t.Fatalf("expected limiter instance")
	}
	if !limiter.Allow("a") {
		t.Fatalf("expected first request to be allowed")
	}
}

func TestClientLimiterSeparatesClients(t *testing.T) {
	limiter := newClientLimiter(1, 1)

	if !limiter.Allow("a") {
		t.Fatalf("expected first request from a to be allowed")
	}
	if limiter.Allow("a") {
		t.Fatalf("expected second request from a to be limited")
	}
	if !limiter.Allow("b") {
		t.Fatalf("expected b to have its own bucket")
	}
}
