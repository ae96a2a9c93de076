package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/saga-orchestrator/pkg/logger"
	"github.com/utafrali/saga-orchestrator/pkg/retry"
)

const tracerName = "github.com/utafrali/saga-orchestrator/pkg/httpclient"

// Config holds HTTP client configuration
type Config struct {
	MaxConnsPerHost int
	Retry           retry.Config
	Breaker         CircuitBreakerConfig
}

// DefaultConfig returns sensible defaults for HTTP client
func DefaultConfig() Config {
	return Config{
		MaxConnsPerHost: 100,
		Retry:           retry.DefaultConfig(),
		Breaker:         DefaultCircuitBreakerConfig(),
	}
}

// Request describes one call to a participant service: a JSON POST to
// ServiceURL/Action.
type Request struct {
	ServiceURL    string
	Action        string
	Payload       json.RawMessage
	CorrelationID string

	// Timeout overrides the per-attempt timeout when positive.
	Timeout time.Duration
}

// Response is the successful answer of a participant.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Attempts   int
}

// Client performs resilient calls to participant services. Every attempt
// passes through the circuit breaker of its target host, and failed attempts
// are retried with exponential backoff.
type Client struct {
	httpClient *http.Client
	config     Config
	breakers   *breakers
	logger     *slog.Logger
}

// New creates a new client with connection pooling. Breaker metrics are
// registered on reg when it is not nil.
func New(cfg Config, log *slog.Logger, reg prometheus.Registerer) *Client {
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		// Deadlines come from the per-attempt context, not from http.Client.Timeout.
		httpClient: &http.Client{Transport: transport},
		config:     cfg,
		breakers:   newBreakers(cfg.Breaker, log, newBreakerMetrics(reg)),
		logger:     log,
	}
}

// Invoke calls req.Action on req.ServiceURL. Circuit breaker rejections and
// 4xx answers end the call immediately; transport errors, timeouts and 5xx
// answers are retried until the attempts run out, in which case the returned
// error is a *retry.ExhaustedError.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	endpoint, target, err := resolve(req.ServiceURL, req.Action)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "invoke "+req.Action,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("saga.target", target),
			attribute.String("saga.action", req.Action),
		),
	)
	defer span.End()

	cfg := c.config.Retry
	if req.Timeout > 0 {
		cfg.AttemptTimeout = req.Timeout
	}
	log := logger.WithContext(ctx, c.logger)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("participant call failed, retrying",
			slog.String("target", target),
			slog.String("action", req.Action),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	cb := c.breakers.get(target)

	var (
		resp     *Response
		attempts int
	)
	err = retry.Do(ctx, cfg, func(attemptCtx context.Context, attempt int) error {
		attempts = attempt + 1
		r, err := cb.Execute(func() (*Response, error) {
			r, err := c.send(attemptCtx, endpoint, target, req)
			if err != nil && ctx.Err() != nil {
				// The caller gave up; the target did not fail.
				return nil, &abandonedError{err: err}
			}
			return r, err
		})
		if rejected := breakerRejection(target, err); rejected != nil {
			c.breakers.metrics.rejected.WithLabelValues(target).Inc()
			return retry.Permanent(rejected)
		}
		if err != nil {
			if isPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp.Attempts = attempts
	span.SetAttributes(attribute.Int("saga.attempts", attempts))
	return resp, nil
}

// BreakerState returns the breaker state of the host serving serviceURL.
func (c *Client) BreakerState(serviceURL string) gobreaker.State {
	_, target, err := resolve(serviceURL, "")
	if err != nil {
		return gobreaker.StateClosed
	}
	return c.breakers.state(target)
}

func (c *Client) send(ctx context.Context, endpoint, target string, req Request) (*Response, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", endpoint, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, ParseResponseError(httpResp, target)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: normalizeBody(body)}, nil
}

// normalizeBody keeps JSON bodies as they are and wraps anything else in a
// JSON string so it can be stored as a step response payload.
func normalizeBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

// resolve builds the endpoint URL and the breaker key (the target host).
func resolve(serviceURL, action string) (endpoint, target string, err error) {
	u, err := url.Parse(serviceURL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		return "", "", fmt.Errorf("invalid service url %q: %w", serviceURL, err)
	}

	endpoint = strings.TrimRight(serviceURL, "/")
	if action != "" {
		endpoint += "/" + strings.TrimLeft(action, "/")
	}
	return endpoint, u.Host, nil
}
