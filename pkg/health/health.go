package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// Status of the service or of one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Response is the body of the health endpoints.
type Response struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentResult `json:"components,omitempty"`
}

// ComponentResult is the outcome of one checker.
type ComponentResult struct {
	Status    Status  `json:"status"`
	Critical  bool    `json:"critical"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type component struct {
	checker  Checker
	critical bool
}

// Handler aggregates dependency checks. A failing critical component makes
// the service unhealthy; any other failure only degrades it.
type Handler struct {
	mu         sync.RWMutex
	components map[string]component
	timeout    time.Duration
}

// NewHandler creates a handler whose checks share a 5s budget.
func NewHandler() *Handler {
	return &Handler{components: map[string]component{}, timeout: 5 * time.Second}
}

// SetTimeout changes the budget of one Check run.
func (h *Handler) SetTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

func (h *Handler) RegisterCritical(name string, checker Checker) {
	h.register(name, component{checker: checker, critical: true})
}

func (h *Handler) RegisterNonCritical(name string, checker Checker) {
	h.register(name, component{checker: checker})
}

func (h *Handler) register(name string, c component) {
	h.mu.Lock()
	h.components[name] = c
	h.mu.Unlock()
}

// Names returns the registered components, sorted.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Check runs the checkers concurrently.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	timeout := h.timeout
	components := make(map[string]component, len(h.components))
	for k, v := range h.components {
		components[k] = v
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]ComponentResult, len(components))
	)
	var g errgroup.Group
	for name, c := range components {
		g.Go(func() error {
			start := time.Now()
			err := c.checker(ctx)
			res := ComponentResult{
				Status:    StatusHealthy,
				Critical:  c.critical,
				LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return Response{Status: overall(results), Timestamp: time.Now().UTC(), Components: results}
}

func overall(results map[string]ComponentResult) Status {
	status := StatusHealthy
	for _, res := range results {
		if res.Status != StatusUnhealthy {
			continue
		}
		if res.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// LivenessHandler answers 200 while the process serves requests.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, Response{Status: StatusHealthy, Timestamp: time.Now().UTC()})
	}
}

// ReadinessHandler answers 503 when a critical component is down.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, resp)
	}
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
