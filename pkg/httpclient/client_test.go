package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/saga-orchestrator/pkg/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		MaxConnsPerHost: 10,
		Retry: retry.Config{
			MaxAttempts:     3,
			AttemptTimeout:  2 * time.Second,
			BaseDelay:       time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			ExponentialBase: 2,
		},
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

func newTestClient(cfg Config) *Client {
	return New(cfg, testLogger(), prometheus.NewRegistry())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100, cfg.MaxConnsPerHost)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, uint32(3), cfg.Breaker.HalfOpenMaxCalls)
}

func TestInvoke_PostsJSONToAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/create_user", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-ID"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"email":"a@b.c"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"user_id":"u-1"}`))
	}))
	defer server.Close()

	client := newTestClient(testConfig())
	resp, err := client.Invoke(context.Background(), Request{
		ServiceURL:    server.URL,
		Action:        "create_user",
		Payload:       json.RawMessage(`{"email":"a@b.c"}`),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
}

func TestInvoke_EmptyPayloadSendsEmptyObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	resp, err := newTestClient(testConfig()).Invoke(context.Background(), Request{ServiceURL: server.URL, Action: "ping"})
	require.NoError(t, err)
	assert.Nil(t, resp.Body)
}

func TestInvoke_NonJSONBodyIsQuoted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	resp, err := newTestClient(testConfig()).Invoke(context.Background(), Request{ServiceURL: server.URL, Action: "x"})
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(resp.Body))
}

func TestInvoke_Retries5xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := newTestClient(testConfig()).Invoke(context.Background(), Request{ServiceURL: server.URL, Action: "step"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestInvoke_DoesNotRetry4xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(structuredError("INVALID_INPUT", "email is required")))
	}))
	defer server.Close()

	_, err := newTestClient(testConfig()).Invoke(context.Background(), Request{ServiceURL: server.URL, Action: "step"})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "email is required", statusErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	var exhausted *retry.ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestInvoke_ExhaustedAfterMaxAttempts(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(testConfig()).Invoke(context.Background(), Request{ServiceURL: server.URL, Action: "step"})

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestInvoke_RequestTimeoutOverridesAttemptTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1

	start := time.Now()
	_, err := newTestClient(cfg).Invoke(context.Background(), Request{
		ServiceURL: server.URL,
		Action:     "slow",
		Timeout:    30 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestInvoke_CancelledContextStopsRetrying(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 10
	cfg.Retry.BaseDelay = time.Hour
	cfg.Retry.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := newTestClient(cfg).Invoke(ctx, Request{ServiceURL: server.URL, Action: "step"})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not stop after cancellation")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestInvoke_InvalidServiceURL(t *testing.T) {
	_, err := newTestClient(testConfig()).Invoke(context.Background(), Request{ServiceURL: "not a url", Action: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid service url")
}

func TestResolve(t *testing.T) {
	endpoint, target, err := resolve("http://user-service:8001/", "/create_user")
	require.NoError(t, err)
	assert.Equal(t, "http://user-service:8001/create_user", endpoint)
	assert.Equal(t, "user-service:8001", target)

	endpoint, _, err = resolve("http://svc/api", "")
	require.NoError(t, err)
	assert.Equal(t, "http://svc/api", endpoint)
}
