package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels classify failures independently of the transport.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
	ErrTimeout        = errors.New("timeout")
)

type kind struct {
	sentinel error
	code     string
	status   int
	// public replaces the error text in API responses when set.
	public string
}

var kinds = []kind{
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound, "resource not found"},
	{ErrAlreadyExists, "ALREADY_EXISTS", http.StatusConflict, "resource already exists"},
	{ErrConflict, "CONFLICT", http.StatusConflict, ""},
	{ErrInvalidInput, "INVALID_INPUT", http.StatusBadRequest, ""},
	{ErrValidation, "VALIDATION_ERROR", http.StatusUnprocessableEntity, ""},
	{ErrServiceUnavail, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, "dependency unavailable"},
	{ErrTimeout, "TIMEOUT", http.StatusGatewayTimeout, "operation timed out"},
}

func kindOf(sentinel error) kind {
	for _, k := range kinds {
		if k.sentinel == sentinel {
			return k
		}
	}
	panic(fmt.Sprintf("errors: no kind for %v", sentinel))
}

// AppError is an error with an API code and status. Err is the sentinel
// (or cause) it unwraps to.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func newError(sentinel error, message string) *AppError {
	k := kindOf(sentinel)
	return &AppError{Code: k.code, Message: message, Status: k.status, Err: sentinel}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStatus returns a copy answering with status. Code and sentinel are
// kept, so errors.Is still matches.
func (e *AppError) WithStatus(status int) *AppError {
	cpy := *e
	cpy.Status = status
	return &cpy
}

// NotFound reports a missing saga or step.
func NotFound(resource, id string) *AppError {
	return newError(ErrNotFound, fmt.Sprintf("%s with id %s not found", resource, id))
}

// AlreadyExists reports a duplicate key.
func AlreadyExists(resource, field, value string) *AppError {
	return newError(ErrAlreadyExists, fmt.Sprintf("%s with %s %q already exists", resource, field, value))
}

// InvalidInput is a request the API cannot parse (400).
func InvalidInput(message string) *AppError {
	return newError(ErrInvalidInput, message)
}

// Validation is a well-formed request whose content cannot be accepted
// (422): unknown pattern, malformed step list, bad definition.
func Validation(message string) *AppError {
	return newError(ErrValidation, message)
}

// Conflict is an illegal state transition (409).
func Conflict(message string) *AppError {
	return newError(ErrConflict, message)
}

// Classify maps err to the status, code and client-facing message of an
// API response. Unclassified errors are internal and their text is hidden.
func Classify(err error) (status int, code, message string) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status, appErr.Code, appErr.Message
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			msg := k.public
			if msg == "" {
				msg = err.Error()
			}
			return k.status, k.code, msg
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred"
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	status, _, _ := Classify(err)
	return status
}
