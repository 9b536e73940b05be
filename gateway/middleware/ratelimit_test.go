package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerIdentity(t *testing.T) {
	limiter := NewRateLimiter("options", RateLimit{RequestsPerMinute: 60, Burst: 2}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr common.Address) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/treasury", nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{Address: addr}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")
	require.Equal(t, http.StatusOK, call(alice))
	require.Equal(t, http.StatusOK, call(alice))
	require.Equal(t, http.StatusTooManyRequests, call(alice))
	require.Equal(t, http.StatusOK, call(bob))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusOK, call(alice))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter("options", RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	limiter.obtainLimiter("ip:10.0.0.1")
	require.Len(t, limiter.visitors, 1)
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("ip:10.0.0.2")
	require.Len(t, limiter.visitors, 1)
	_, ok := limiter.visitors["ip:10.0.0.2"]
	require.True(t, ok)
}

func TestClientIDFallsBackToAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5000"
	require.Equal(t, "ip:192.0.2.7", clientID(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "ip:203.0.113.9", clientID(req))
}
