package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func request(remote string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/chat", nil)
	r.RemoteAddr = remote
	return r
}

func TestRateLimit_RejectsBeyondBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerMin: 1, BurstSize: 2})(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request("10.0.0.1:5000"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("10.0.0.1:5001"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "RATE_LIMITED", rec.Header().Get("X-Error-Code"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("10.0.0.2:5000"))
	require.Equal(t, http.StatusOK, rec.Code, "budgets are per client")
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler())
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request("10.0.0.1:5000"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	r := request("10.0.0.9:1234")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	require.Equal(t, "10.0.0.9", ClientIP(r, nil), "untrusted peers cannot spoof")
	require.Equal(t, "203.0.113.7", ClientIP(r, []string{"10.0.0.9"}))

	r = request("10.0.0.9:1234")
	r.Header.Set("X-Forwarded-For", "198.51.100.99, 203.0.113.7")
	require.Equal(t, "203.0.113.7", ClientIP(r, []string{"10.0.0.9"}), "a forged leftmost hop is ignored")

	r = request("10.0.0.9:1234")
	r.Header.Add("X-Forwarded-For", "198.51.100.99")
	r.Header.Add("X-Forwarded-For", "203.0.113.7, 10.0.0.8")
	require.Equal(t, "203.0.113.7", ClientIP(r, []string{"10.0.0.9", "10.0.0.8"}), "trusted hops are skipped")

	r = request("10.0.0.9:1234")
	r.Header.Set("X-Forwarded-For", "10.0.0.8")
	require.Equal(t, "10.0.0.9", ClientIP(r, []string{"10.0.0.9", "10.0.0.8"}), "all-proxy chains fall back to the peer")

	r = request("[2001:db8::1]:443")
	require.Equal(t, "2001:db8::1", ClientIP(r, nil))

	r = request("10.0.0.9:1234")
	r.Header.Set("X-Real-IP", "198.51.100.4")
	require.Equal(t, "198.51.100.4", ClientIP(r, []string{"10.0.0.9"}))
}
