package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllow_PerIPBudget(t *testing.T) {
	rl := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("4th request inside the window should be refused")
	}
	if !rl.Allow("5.6.7.8") {
		t.Fatal("other IPs have their own bucket")
	}
}

func TestCleanupEvictsIdleVisitors(t *testing.T) {
	rl := New(1, time.Second)
	rl.Allow("1.2.3.4")
	rl.cleanup(time.Now().Add(time.Hour))
	if len(rl.visitors) != 0 {
		t.Fatalf("visitors = %d, want 0", len(rl.visitors))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   string
	}{
		{"direct", "203.0.113.9:5555", nil, "203.0.113.9"},
		{"spoofed header from public addr", "203.0.113.9:5555", map[string]string{"X-Real-IP": "1.1.1.1"}, "203.0.113.9"},
		{"real ip via proxy", "10.0.0.2:80", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"forwarded via proxy", "127.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2"}, "198.51.100.7"},
		{"ipv6 loopback", "[::1]:80", nil, "::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMiddleware429(t *testing.T) {
	rl := New(1, time.Minute)
	h := Middleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/auth/access-token", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status %d, want %d", i+1, rec.Code, want)
		}
	}
}
