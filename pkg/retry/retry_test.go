package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:     attempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
	}
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0, 1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1, 1))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(2, 1))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(3, 1))
	assert.Equal(t, time.Second, cfg.Backoff(4, 1))
	assert.Equal(t, time.Second, cfg.Backoff(10, 1))
}

func TestBackoff_MonotonicForFixedJitter(t *testing.T) {
	cfg := Config{BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, ExponentialBase: 3}

	for _, factor := range []float64{0.5, 0.73, 1.0} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			d := cfg.Backoff(attempt, factor)
			assert.GreaterOrEqual(t, d, prev, "attempt %d factor %v", attempt, factor)
			assert.LessOrEqual(t, d, cfg.MaxDelay)
			prev = d
		}
	}
}

func TestDelay_JitterWithinBounds(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2, Jitter: true}

	for i := 0; i < 200; i++ {
		d := cfg.delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	var calls int32
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_ExhaustedCarriesLastErrorAndAttempts(t *testing.T) {
	sentinel := errors.New("still down")
	var calls int32
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return sentinel
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	var calls int32
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(sentinel)
	})

	assert.Equal(t, sentinel, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_AttemptTimeoutIsPerAttempt(t *testing.T) {
	cfg := fastConfig(2)
	cfg.AttemptTimeout = 20 * time.Millisecond

	var calls int32
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_CancellationObservedBetweenAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, ExponentialBase: 2}
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(ctx context.Context, attempt int) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("fail")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not observe cancellation while waiting")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_OnRetryCalledBetweenAttempts(t *testing.T) {
	cfg := fastConfig(3)
	var retries []int
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		retries = append(retries, attempt)
	}

	_ = Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})

	assert.Equal(t, []int{1, 2}, retries)
}

func TestWaitFor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("ready after retries", func(t *testing.T) {
		var calls int32
		err := WaitFor(context.Background(), "postgres", func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 2 {
				return errors.New("connection refused")
			}
			return nil
		}, fastConfig(3), logger)
		require.NoError(t, err)
	})

	t.Run("never ready", func(t *testing.T) {
		err := WaitFor(context.Background(), "redis", func(ctx context.Context) error {
			return errors.New("connection refused")
		}, fastConfig(2), logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wait for redis")

		var exhausted *ExhaustedError
		assert.ErrorAs(t, err, &exhausted)
	})
}
