package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	h, err := New(memory.NewStore(), "1-M", ByClientIP("coupon"))
	require.NoError(t, err)
	wrapped := h.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/coupons/verify", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rr1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)
	require.Equal(t, "1", rr1.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))

	other := req.Clone(req.Context())
	other.RemoteAddr = "198.51.100.1:1234"
	rr3 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr3, other)
	require.Equal(t, http.StatusOK, rr3.Code)
}

func TestNewRejectsMalformedRate(t *testing.T) {
	_, err := New(memory.NewStore(), "lots", ByClientIP("x"))
	require.Error(t, err)
}

type failingStore struct{ limiter.Store }

func (failingStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store down")
}

func TestHandlerMiddlewareFailsOpen(t *testing.T) {
	rate := limiter.Rate{Period: time.Minute, Limit: 1}
	var reported error
	h := Handler{
		Limiter: limiter.New(failingStore{}, rate),
		Key:     ByClientIP("tax"),
		OnError: func(err error) { reported = err },
	}
	rr := httptest.NewRecorder()
	h.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualError(t, reported, "store down")
}
