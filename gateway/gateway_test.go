package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/revoagent/fabric/kv"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := kv.NewRedisStore(kv.RedisStoreOptions{RedisURL: "redis://" + mr.Addr(), Namespace: "gw-test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewGateway(store, nil)
}

func TestGateway_MakeRequestSuccessAndCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterIntegration(IntegrationConfig{
		Kind:      "svc",
		BaseURL:   srv.URL,
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, BurstLimit: 10, WindowSeconds: 60},
		Retry:     RetryConfig{MaxAttempts: 1, Strategy: RetryNone},
		Timeout:   time.Second,
		CacheTTL:  time.Minute,
	}))

	resp, err := g.MakeRequest(context.Background(), "svc", &Request{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.False(t, resp.Cached)

	resp2, err := g.MakeRequest(context.Background(), "svc", &Request{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	require.True(t, resp2.Cached)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestGateway_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterIntegration(IntegrationConfig{
		Kind:      "flaky",
		BaseURL:   srv.URL,
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, BurstLimit: 10, WindowSeconds: 60},
		Retry:     RetryConfig{MaxAttempts: 5, Strategy: RetryFixedDelay, BaseDelay: time.Millisecond},
		Timeout:   time.Second,
	}))

	resp, err := g.MakeRequest(context.Background(), "flaky", &Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGateway_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterIntegration(IntegrationConfig{
		Kind:      "svc",
		BaseURL:   srv.URL,
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, BurstLimit: 10, WindowSeconds: 60},
		Retry:     RetryConfig{MaxAttempts: 5, Strategy: RetryFixedDelay, BaseDelay: time.Millisecond},
		Timeout:   time.Second,
	}))

	resp, err := g.MakeRequest(context.Background(), "svc", &Request{Method: "GET", Path: "/missing"})
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGateway_RateLimiterRejectsBurst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterIntegration(IntegrationConfig{
		Kind:      "tight",
		BaseURL:   srv.URL,
		RateLimit: RateLimitConfig{RequestsPerMinute: 1, BurstLimit: 1, WindowSeconds: 60},
		Retry:     RetryConfig{MaxAttempts: 1, Strategy: RetryNone},
		Timeout:   time.Second,
	}))

	_, err := g.MakeRequest(context.Background(), "tight", &Request{Method: "GET", Path: "/a"})
	require.NoError(t, err)
	_, err = g.MakeRequest(context.Background(), "tight", &Request{Method: "GET", Path: "/b"})
	require.Error(t, err)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 1})
	require.True(t, b.CanExecute())

	require.Error(t, b.Execute(context.Background(), func(ctx context.Context) error { return context.DeadlineExceeded }))
	require.Error(t, b.Execute(context.Background(), func(ctx context.Context) error { return context.DeadlineExceeded }))
	require.Equal(t, CircuitOpen, b.GetState())
	require.False(t, b.CanExecute())

	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanExecute())
	require.Equal(t, CircuitHalfOpen, b.GetState())

	require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, CircuitClosed, b.GetState())
}

func TestRetryDelay_ExponentialBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{Strategy: RetryExponentialBackoff, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 25 * time.Millisecond}
	d := retryDelay(cfg, 5)
	require.LessOrEqual(t, d, 25*time.Millisecond)
}
