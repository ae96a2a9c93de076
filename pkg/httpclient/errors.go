package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned without any network call while the breaker
// guarding Target rejects requests.
type CircuitOpenError struct {
	Target string
	State  string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Target, e.State)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// StatusError is a non-2xx answer from a participant service.
type StatusError struct {
	Target     string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s returned status %d (%s): %s", e.Target, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Target, e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot help.
func (e *StatusError) Permanent() bool {
	return IsClientError(e.StatusCode)
}

// DownstreamErrorResponse mirrors the httputil.ErrorResponse envelope. It is
// used to parse structured error bodies returned by participant services.
type DownstreamErrorResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and turns it
// into a StatusError. If the body matches the standard error envelope the
// code and message are preserved, otherwise the raw body becomes the message.
//
// The response body is fully consumed and closed.
func ParseResponseError(resp *http.Response, target string) error {
	defer func() { _ = resp.Body.Close() }()

	statusErr := &StatusError{Target: target, StatusCode: resp.StatusCode}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		statusErr.Message = fmt.Sprintf("failed to read body: %v", err)
		return statusErr
	}

	var downstream DownstreamErrorResponse
	if json.Unmarshal(bodyBytes, &downstream) == nil && downstream.Error != nil {
		statusErr.Code = downstream.Error.Code
		statusErr.Message = downstream.Error.Message
		return statusErr
	}

	statusErr.Message = string(bodyBytes)
	return statusErr
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
// Client errors are permanent step failures: they are neither retried nor
// counted against the circuit breaker.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}

// isPermanent reports whether err is a participant 4xx answer.
// abandonedError is a call the caller gave up on before the target
// answered. It says nothing about the target's health.
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

func isAbandoned(err error) bool {
	var abandoned *abandonedError
	return errors.As(err, &abandoned)
}

func isPermanent(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Permanent()
}

// breakerRejection converts gobreaker rejections into a CircuitOpenError.
func breakerRejection(target string, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return &CircuitOpenError{Target: target, State: gobreaker.StateOpen.String()}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return &CircuitOpenError{Target: target, State: gobreaker.StateHalfOpen.String()}
	default:
		return nil
	}
}
