package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
	"github.com/utafrali/saga-orchestrator/pkg/logger"
	"github.com/utafrali/saga-orchestrator/pkg/validator"
)

// Response is the error envelope of the control API. Successful responses
// are bare JSON objects.
type Response struct {
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse describes a failed request. RequestID echoes the
// correlation id of the request.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError answers with the envelope for err. Field validation failures
// are 422 with per-field messages; the rest are mapped by apperrors.Classify.
// Server errors are logged with the request-scoped logger, or fallback when
// the request carries none.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	body := &ErrorResponse{RequestID: logger.CorrelationIDFromContext(r.Context())}

	var status int
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		status = http.StatusUnprocessableEntity
		body.Code, body.Message, body.Fields = "VALIDATION_ERROR", valErr.Error(), valErr.Fields()
	} else {
		status, body.Code, body.Message = apperrors.Classify(err)
	}

	if status >= http.StatusInternalServerError {
		l := logger.FromContext(r.Context())
		if l == slog.Default() && fallback != nil {
			l = fallback
		}
		l.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
		)
	}
	WriteJSON(w, status, Response{Error: body})
}

// QueryBool reads a boolean query parameter. Missing or unparsable values
// yield def.
func QueryBool(r *http.Request, name string, def bool) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}
