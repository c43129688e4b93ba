package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hireloop/mailengine/internal/ratelimit"
)

func TestRequireUserRejectsMissingIdentity(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without identity")
	}))

	for _, header := range []string{"", "abc", "-2", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
		if header != "" {
			req.Header.Set("X-User-ID", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestRequireUserPlacesIdentityInContext(t *testing.T) {
	var got int64
	handler := RequireUser(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
	req.Header.Set("X-User-ID", "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != 42 {
		t.Errorf("UserID = %d, want 42", got)
	}
}

func TestRateLimitKeysOnUserBeforeIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Burst of 1: the second request from the same caller is rejected,
	// but a different caller still gets through.
	limiter := ratelimit.NewLimiter(ctx, 0.0001, 1)
	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/threads", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("1"); code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", code)
	}
	if code := do("1"); code != http.StatusTooManyRequests {
		t.Errorf("second request same user: status = %d, want 429", code)
	}
	// Same IP, different user: separate bucket.
	if code := do("2"); code != http.StatusOK {
		t.Errorf("different user: status = %d, want 200", code)
	}
}
