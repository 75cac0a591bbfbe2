package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminGuard(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		reqBearer      string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid bearer token",
			token:          "test-token-12345",
			reqBearer:      "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			token:          "test-token-12345",
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "basic auth rejected when only a token is configured",
			token:          "test-token-12345",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "username without password configured is open",
			username:       "admin",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing credentials",
			token:          "test-token-12345",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			username:       "admin",
			password:       "secret123",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := newAdminGuard(Options{AdminUsername: tt.username, AdminPassword: tt.password, AdminToken: tt.token}, slog.Default())
			handler := guard.wrap(okHandler(), slog.Default())

			req := httptest.NewRequest(http.MethodGet, "/admin/test", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			if tt.reqBearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.reqBearer)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*adminLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newAdminLimiter(context.Background(), limit, window)
	l.now = clock.now
	return l, clock
}

func TestAdminLimiterFixedWindow(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := l.allow("192.168.1.1"); !ok {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	clock.advance(20 * time.Second)
	ok, wait := l.allow("192.168.1.1")
	if ok {
		t.Fatal("request 4 should be refused")
	}
	if wait != 40*time.Second {
		t.Errorf("wait = %s, want 40s", wait)
	}
	if ok, _ := l.allow("192.168.1.2"); !ok {
		t.Error("a different client should be allowed")
	}

	clock.advance(40 * time.Second)
	if ok, _ := l.allow("192.168.1.1"); !ok {
		t.Error("request in a new window should be allowed")
	}
}

func TestAdminLimiterDisabled(t *testing.T) {
	for _, limit := range []int{0, -1} {
		l, _ := newTestLimiter(limit, time.Minute)
		for i := 0; i < 100; i++ {
			if ok, _ := l.allow("192.168.1.1"); !ok {
				t.Fatalf("limit %d: request %d refused", limit, i+1)
			}
		}
	}
}

func TestAdminLimiterPrune(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)
	l.allow("a")
	clock.advance(30 * time.Second)
	l.allow("b")
	clock.advance(30 * time.Second)
	l.prune()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["a"]; ok {
		t.Error("expired window for a not pruned")
	}
	if _, ok := l.clients["b"]; !ok {
		t.Error("live window for b pruned")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{40 * time.Second, 40},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:12345", "", "2001:db8::1"},
		{"forwarded chain", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
		{"forwarded ipv6 without port", "127.0.0.1:8080", "2001:db8::42", "2001:db8::42"},
		{"forwarded ipv4 without port", "10.0.0.1:8080", "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/poll", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAdminLimiterMiddleware(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	handler := l.wrap(okHandler(), slog.Default())

	// different ports, same client
	for i, addr := range []string{"[2001:db8::1]:12345", "[2001:db8::1]:54321"} {
		req := httptest.NewRequest(http.MethodPost, "/admin/poll", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/poll", nil)
	req.RemoteAddr = "[2001:db8::1]:1"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}
