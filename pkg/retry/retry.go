package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls how Do spaces and bounds its attempts.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// AttemptTimeout bounds every single attempt. Zero means no per-attempt deadline.
	AttemptTimeout time.Duration

	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64

	// Jitter multiplies each delay by a uniform factor in [0.5, 1.0].
	Jitter bool

	// OnRetry, if set, is called before sleeping between two attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the defaults used for remote step invocations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		AttemptTimeout:  30 * time.Second,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Backoff returns the delay before the attempt following the given 0-indexed
// attempt, scaled by factor. A factor of 1 yields the un-jittered delay.
func (c Config) Backoff(attempt int, factor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := c.ExponentialBase
	if base < 1 {
		base = 1
	}

	d := float64(c.BaseDelay) * math.Pow(base, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d * factor)
}

// delay picks the wait after a failed attempt, applying jitter if enabled.
func (c Config) delay(attempt int) time.Duration {
	factor := 1.0
	if c.Jitter {
		factor = 0.5 + rand.Float64()*0.5 // #nosec G404 -- non-cryptographic jitter for retry backoff
	}
	return c.Backoff(attempt, factor)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is cancelled. Each call receives its own deadline-bound context
// and the 0-indexed attempt number.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, err)
			}
			return err
		}

		err := runAttempt(ctx, cfg.AttemptTimeout, attempt, fn)
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		wait := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, attempt)
}

// WaitFor blocks until probe succeeds, retrying according to cfg. It is used
// at startup to wait for backing services such as PostgreSQL, Redis or Kafka.
func WaitFor(ctx context.Context, name string, probe func(ctx context.Context) error, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("dependency not ready, retrying",
			slog.String("dependency", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	err := Do(ctx, cfg, func(ctx context.Context, _ int) error {
		return probe(ctx)
	})
	if err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}

	logger.Info("dependency ready", slog.String("dependency", name))
	return nil
}
