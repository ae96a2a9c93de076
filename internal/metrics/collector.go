// Package metrics collects saga statistics for the JSON summary and the
// Prometheus scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/utafrali/saga-orchestrator/internal/domain"
)

// Step invocation outcomes.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCancelled   = "cancelled"
)

// Inbound event outcomes.
const (
	EventMatched   = "matched"
	EventUnmatched = "unmatched"
	EventDuplicate = "duplicate"
)

// Summary is the JSON statistics document.
type Summary struct {
	TotalSagas    int64            `json:"total_sagas"`
	StatusCounts  map[string]int64 `json:"status_counts"`
	PatternCounts map[string]int64 `json:"pattern_counts"`
	TypeCounts    map[string]int64 `json:"type_counts"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Collector owns a Prometheus registry and the saga instruments registered
// on it. It is safe for concurrent use and never blocks callers.
type Collector struct {
	registry *prometheus.Registry

	sagasCreated         *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	stepInvocations      *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	compensationFailures *prometheus.CounterVec
	timeouts             *prometheus.CounterVec
	events               *prometheus.CounterVec
	current              *prometheus.GaugeVec

	total    *xsync.Counter
	statuses *xsync.MapOf[string, *xsync.Counter]
	patterns *xsync.MapOf[string, *xsync.Counter]
	types    *xsync.MapOf[string, *xsync.Counter]
}

// NewCollector creates a collector with a fresh registry that also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		sagasCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_transactions_total",
				Help: "Total number of saga transactions created",
			},
			[]string{"pattern", "transaction_type"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_status_transitions_total",
				Help: "Total number of saga status transitions by target status",
			},
			[]string{"status"},
		),
		stepInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_step_invocations_total",
				Help: "Total number of step invocations by outcome",
			},
			[]string{"outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saga_step_duration_seconds",
				Help:    "Step invocation latency including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		compensationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_compensation_failures_total",
				Help: "Total number of compensation runs that left a saga failed",
			},
			[]string{"transaction_type"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_timeouts_total",
				Help: "Total number of sagas forced by the timeout scheduler",
			},
			[]string{"kind"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_events_received_total",
				Help: "Total number of choreography events received by outcome",
			},
			[]string{"outcome"},
		),
		current: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "saga_current",
				Help: "Number of stored sagas per status",
			},
			[]string{"status"},
		),
		total:    xsync.NewCounter(),
		statuses: xsync.NewMapOf[string, *xsync.Counter](),
		patterns: xsync.NewMapOf[string, *xsync.Counter](),
		types:    xsync.NewMapOf[string, *xsync.Counter](),
	}
	reg.MustRegister(
		c.sagasCreated, c.transitions, c.stepInvocations, c.stepDuration,
		c.compensationFailures, c.timeouts, c.events, c.current,
	)
	return c
}

// Registry exposes the registry so other components register their
// instruments on the same scrape endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler renders the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SagaCreated records a new saga. It also counts it as pending.
func (c *Collector) SagaCreated(pattern domain.Pattern, transactionType string) {
	if transactionType == "" {
		transactionType = "custom"
	}
	c.sagasCreated.WithLabelValues(string(pattern), transactionType).Inc()
	c.total.Inc()
	inc(c.patterns, string(pattern))
	inc(c.types, transactionType)
	c.Transition(domain.SagaPending)
}

// Transition records that a saga entered status.
func (c *Collector) Transition(status domain.SagaStatus) {
	c.transitions.WithLabelValues(string(status)).Inc()
	inc(c.statuses, string(status))
}

// StepInvoked records one step invocation and how long it took.
func (c *Collector) StepInvoked(outcome string, took time.Duration) {
	c.stepInvocations.WithLabelValues(outcome).Inc()
	c.stepDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// CompensationFailed records a compensation run that left a saga failed.
func (c *Collector) CompensationFailed(transactionType string) {
	if transactionType == "" {
		transactionType = "custom"
	}
	c.compensationFailures.WithLabelValues(transactionType).Inc()
}

// TimedOut records a scheduler intervention; kind is "step" or "compensation".
func (c *Collector) TimedOut(kind string) {
	c.timeouts.WithLabelValues(kind).Inc()
}

// EventReceived records an inbound choreography event.
func (c *Collector) EventReceived(outcome string) {
	c.events.WithLabelValues(outcome).Inc()
}

// SetCurrent replaces the per-status gauge with counts read from the store.
func (c *Collector) SetCurrent(counts map[domain.SagaStatus]int) {
	for _, status := range domain.AllSagaStatuses {
		c.current.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Summary returns the counters as a JSON-friendly snapshot.
func (c *Collector) Summary() Summary {
	return Summary{
		TotalSagas:    c.total.Value(),
		StatusCounts:  snapshot(c.statuses),
		PatternCounts: snapshot(c.patterns),
		TypeCounts:    snapshot(c.types),
		Timestamp:     time.Now().UTC(),
	}
}

func inc(m *xsync.MapOf[string, *xsync.Counter], key string) {
	counter, _ := m.LoadOrCompute(key, xsync.NewCounter)
	counter.Inc()
}

func snapshot(m *xsync.MapOf[string, *xsync.Counter]) map[string]int64 {
	out := make(map[string]int64, m.Size())
	m.Range(func(key string, counter *xsync.Counter) bool {
		out[key] = counter.Value()
		return true
	})
	return out
}
