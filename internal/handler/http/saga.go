package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	"github.com/utafrali/saga-orchestrator/internal/service"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
	"github.com/utafrali/saga-orchestrator/pkg/httputil"
	"github.com/utafrali/saga-orchestrator/pkg/pagination"
	"github.com/utafrali/saga-orchestrator/pkg/validator"
)

const maxBodyBytes = 1 << 20

// SagaService is the part of the orchestrator the saga endpoints use.
type SagaService interface {
	Start(ctx context.Context, in service.StartInput) (*domain.Saga, bool, error)
	GetStatus(ctx context.Context, id string) (*domain.Saga, error)
	GetSteps(ctx context.Context, id string) ([]domain.SagaStep, error)
	ExecuteNextStep(ctx context.Context, id string, opts service.ExecuteOptions) (*domain.SagaStep, error)
	Compensate(ctx context.Context, id string, opts service.CompensateOptions) (*domain.Saga, error)
	List(ctx context.Context, filter repository.Filter) ([]domain.Saga, int, error)
	Delete(ctx context.Context, id string, force bool) error
}

// SagaHandler handles HTTP requests for saga lifecycle endpoints.
type SagaHandler struct {
	service SagaService
	logger  *slog.Logger
}

// NewSagaHandler creates a new saga HTTP handler.
func NewSagaHandler(svc SagaService, logger *slog.Logger) *SagaHandler {
	return &SagaHandler{service: svc, logger: logger}
}

// --- Request DTOs ---

// StepRequest is one step of a start request. Timeout is in seconds.
type StepRequest struct {
	StepID             string          `json:"step_id" validate:"required,max=100"`
	ServiceURL         string          `json:"service_url" validate:"required,httpurl"`
	Action             string          `json:"action" validate:"required,max=100"`
	CompensationAction string          `json:"compensation_action" validate:"omitempty,max=100"`
	Payload            json.RawMessage `json:"payload"`
	Timeout            float64         `json:"timeout" validate:"gte=0"`
}

// StartSagaRequest is the JSON body for starting a saga. Timeout is in
// seconds. Steps may be omitted when transaction_type names a template.
type StartSagaRequest struct {
	Pattern         string            `json:"pattern" validate:"omitempty,oneof=orchestration choreography"`
	TransactionType string            `json:"transaction_type" validate:"omitempty,max=100"`
	CorrelationID   string            `json:"correlation_id" validate:"omitempty,max=255"`
	Timeout         float64           `json:"timeout" validate:"gte=0"`
	Metadata        map[string]string `json:"metadata"`
	InputData       json.RawMessage   `json:"input_data"`
	Steps           []StepRequest     `json:"steps" validate:"dive"`
}

// ExecuteStepRequest is the optional JSON body of the execute endpoint.
type ExecuteStepRequest struct {
	Force bool            `json:"force"`
	Input json.RawMessage `json:"input"`
}

// CompensateRequest is the JSON body of the compensate endpoint.
type CompensateRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
	Force  bool   `json:"force"`
}

// --- Response DTOs ---

// StartSagaResponse is returned when a saga is accepted.
type StartSagaResponse struct {
	SagaID     string            `json:"saga_id"`
	Status     domain.SagaStatus `json:"status"`
	Pattern    domain.Pattern    `json:"pattern"`
	TotalSteps int               `json:"total_steps"`
}

// SagaStatusResponse is the status document of one saga.
type SagaStatusResponse struct {
	SagaID          string            `json:"saga_id"`
	Status          domain.SagaStatus `json:"status"`
	Pattern         domain.Pattern    `json:"pattern"`
	TransactionType string            `json:"transaction_type,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	CurrentStep     int               `json:"current_step"`
	TotalSteps      int               `json:"total_steps"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// SagaStepsResponse lists the steps of one saga.
type SagaStepsResponse struct {
	SagaID string            `json:"saga_id"`
	Steps  []domain.SagaStep `json:"steps"`
}

// ExecuteStepResponse carries the step that was run.
type ExecuteStepResponse struct {
	SagaID string           `json:"saga_id"`
	Step   *domain.SagaStep `json:"step"`
}

// ListSagasResponse is one page of saga headers.
type ListSagasResponse struct {
	Sagas   []SagaStatusResponse `json:"sagas"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
	HasMore bool                 `json:"has_more"`
}

// CompensateResponse reports the status a compensation ended in.
type CompensateResponse struct {
	SagaID       string            `json:"saga_id"`
	Status       domain.SagaStatus `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// DeleteSagaResponse confirms a deletion.
type DeleteSagaResponse struct {
	SagaID  string `json:"saga_id"`
	Deleted bool   `json:"deleted"`
}

func toStatusResponse(s *domain.Saga) SagaStatusResponse {
	return SagaStatusResponse{
		SagaID:          s.ID,
		Status:          s.Status,
		Pattern:         s.Pattern,
		TransactionType: s.TransactionType,
		CorrelationID:   s.CorrelationID,
		CurrentStep:     s.CurrentStep,
		TotalSteps:      s.TotalSteps,
		ErrorMessage:    s.ErrorMessage,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// --- Handlers ---

// StartSaga handles POST /saga/start.
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req StartSagaRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	in := service.StartInput{
		Pattern:         domain.Pattern(req.Pattern),
		TransactionType: req.TransactionType,
		CorrelationID:   req.CorrelationID,
		Timeout:         seconds(req.Timeout),
		Metadata:        req.Metadata,
		InputData:       req.InputData,
	}
	for _, s := range req.Steps {
		in.Steps = append(in.Steps, service.StepInput{
			StepID:             s.StepID,
			ServiceURL:         s.ServiceURL,
			Action:             s.Action,
			CompensationAction: s.CompensationAction,
			Payload:            s.Payload,
			Timeout:            seconds(s.Timeout),
		})
	}

	saga, created, err := h.service.Start(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, StartSagaResponse{
		SagaID:     saga.ID,
		Status:     saga.Status,
		Pattern:    saga.Pattern,
		TotalSteps: saga.TotalSteps,
	})
}

// GetStatus handles GET /saga/{id}/status.
func (h *SagaHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	saga, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(saga))
}

// GetSteps handles GET /saga/{id}/steps.
func (h *SagaHandler) GetSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	steps, err := h.service.GetSteps(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if steps == nil {
		steps = []domain.SagaStep{}
	}
	httputil.WriteJSON(w, http.StatusOK, SagaStepsResponse{SagaID: id, Steps: steps})
}

// ExecuteStep handles POST /saga/{id}/execute.
func (h *SagaHandler) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req ExecuteStepRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	id := chi.URLParam(r, "id")
	step, err := h.service.ExecuteNextStep(r.Context(), id, service.ExecuteOptions{
		Force: req.Force,
		Input: req.Input,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ExecuteStepResponse{SagaID: id, Step: step})
}

// ListSagas handles GET /saga.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)
	q := r.URL.Query()

	sagas, total, err := h.service.List(r.Context(), repository.Filter{
		Status:          domain.SagaStatus(q.Get("status")),
		Pattern:         domain.Pattern(q.Get("pattern")),
		TransactionType: q.Get("transaction_type"),
		Limit:           params.Limit,
		Offset:          params.Offset,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	items := make([]SagaStatusResponse, 0, len(sagas))
	for i := range sagas {
		items = append(items, toStatusResponse(&sagas[i]))
	}
	page := pagination.NewResult(items, total, params)
	httputil.WriteJSON(w, http.StatusOK, ListSagasResponse{
		Sagas:   page.Items,
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	})
}

// Compensate handles POST /saga/{id}/compensate.
func (h *SagaHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req CompensateRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	saga, err := h.service.Compensate(r.Context(), chi.URLParam(r, "id"), service.CompensateOptions{
		Reason: req.Reason,
		Force:  req.Force,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CompensateResponse{
		SagaID:       saga.ID,
		Status:       saga.Status,
		ErrorMessage: saga.ErrorMessage,
	})
}

// DeleteSaga handles DELETE /saga/{id}.
func (h *SagaHandler) DeleteSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id, httputil.QueryBool(r, "force", false)); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, DeleteSagaResponse{SagaID: id, Deleted: true})
}

// decodeOptional decodes and validates a JSON body that may be absent.
func decodeOptional(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return apperrors.InvalidInput(fmt.Sprintf("read request body: %v", err))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return validator.Validate(dst)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return validator.DecodeAndValidate(r, dst)
}
