package httpclient

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig holds configuration shared by every per-target breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts that trips the breaker.
	FailureThreshold uint32

	// RecoveryTimeout is how long the breaker stays open before moving to half-open.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the number of trial calls allowed in the half-open state.
	// The breaker closes once that many trials have succeeded.
	HalfOpenMaxCalls uint32
}

// DefaultCircuitBreakerConfig returns sensible defaults for a circuit breaker.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

type breakerMetrics struct {
	state    *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

func newBreakerMetrics(reg prometheus.Registerer) *breakerMetrics {
	m := &breakerMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"target"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_rejected_total",
				Help: "Total number of calls rejected without a network attempt",
			},
			[]string{"target"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.rejected)
	}
	return m
}

// stateToFloat maps gobreaker states to prometheus gauge values.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// breakers keeps one circuit breaker per target host. State is in-process only.
type breakers struct {
	cfg     CircuitBreakerConfig
	logger  *slog.Logger
	metrics *breakerMetrics
	byHost  *xsync.MapOf[string, *gobreaker.CircuitBreaker[*Response]]
}

func newBreakers(cfg CircuitBreakerConfig, logger *slog.Logger, metrics *breakerMetrics) *breakers {
	return &breakers{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		byHost:  xsync.NewMapOf[string, *gobreaker.CircuitBreaker[*Response]](),
	}
}

func (b *breakers) get(target string) *gobreaker.CircuitBreaker[*Response] {
	cb, _ := b.byHost.LoadOrCompute(target, func() *gobreaker.CircuitBreaker[*Response] {
		b.metrics.state.WithLabelValues(target).Set(0)
		return gobreaker.NewCircuitBreaker[*Response](b.settings(target))
	})
	return cb
}

func (b *breakers) settings(target string) gobreaker.Settings {
	threshold := b.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	return gobreaker.Settings{
		Name:        target,
		MaxRequests: b.cfg.HalfOpenMaxCalls,
		// Interval 0 keeps counts until the breaker changes state.
		Interval: 0,
		Timeout:  b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err) || isAbandoned(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			b.metrics.state.WithLabelValues(name).Set(stateToFloat(to))
		},
	}
}

// state returns the breaker state for target, or closed if none exists yet.
func (b *breakers) state(target string) gobreaker.State {
	if cb, ok := b.byHost.Load(target); ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
