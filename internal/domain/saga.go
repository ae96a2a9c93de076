package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Pattern selects how a saga's steps are driven.
type Pattern string

const (
	PatternOrchestration Pattern = "orchestration"
	PatternChoreography  Pattern = "choreography"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	return p == PatternOrchestration || p == PatternChoreography
}

// SagaStatus is the lifecycle state of a saga transaction.
type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed"
	SagaCancelled    SagaStatus = "cancelled"
)

// AllSagaStatuses lists every saga status in lifecycle order.
var AllSagaStatuses = []SagaStatus{
	SagaPending, SagaRunning, SagaCompleted, SagaCompensating,
	SagaCompensated, SagaFailed, SagaCancelled,
}

// Valid reports whether s is a known saga status.
func (s SagaStatus) Valid() bool {
	for _, known := range AllSagaStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition can happen.
// A failed saga is terminal; only a forced compensation may move it again.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaCancelled, SagaFailed:
		return true
	}
	return false
}

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaPending:      {SagaRunning, SagaCompensating, SagaCancelled},
	SagaRunning:      {SagaCompleted, SagaCompensating},
	SagaCompensating: {SagaCompensated, SagaFailed, SagaCancelled},
	// Only reachable through a forced compensation.
	SagaCompleted: {SagaCompensating},
	SagaFailed:    {SagaCompensating},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus is the lifecycle state of one saga step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
	StepSkipped      StepStatus = "skipped"
)

// SagaStep is one invocation of a participant inside a saga. Steps are
// numbered from 1 and run strictly in step number order.
type SagaStep struct {
	StepNumber         int             `json:"step_number"`
	StepID             string          `json:"step_id"`
	Name               string          `json:"name"`
	ServiceURL         string          `json:"service_url"`
	Action             string          `json:"action"`
	CompensationAction string          `json:"compensation_action,omitempty"`
	Timeout            time.Duration   `json:"-"`
	Status             StepStatus      `json:"status"`
	RequestPayload     json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload    json.RawMessage `json:"response_payload,omitempty"`
	Error              string          `json:"error,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	AttemptCount       int             `json:"attempt_count"`
}

// Start marks the step as running and records the payload it is invoked with.
func (s *SagaStep) Start(payload json.RawMessage, now time.Time) {
	s.Status = StepRunning
	if len(payload) > 0 {
		s.RequestPayload = payload
	}
	s.Error = ""
	s.StartedAt = &now
	s.CompletedAt = nil
}

// Complete marks the step as successfully completed.
func (s *SagaStep) Complete(response json.RawMessage, now time.Time) {
	s.Status = StepCompleted
	s.ResponsePayload = response
	s.Error = ""
	s.CompletedAt = &now
}

// Fail marks the step as failed with the given error message.
func (s *SagaStep) Fail(reason string, now time.Time) {
	s.Status = StepFailed
	s.Error = reason
	s.CompletedAt = &now
}

// BeginCompensation moves a completed step into compensating.
func (s *SagaStep) BeginCompensation() {
	s.Status = StepCompensating
}

// Compensate marks the step as compensated (rolled back).
func (s *SagaStep) Compensate(now time.Time) {
	s.Status = StepCompensated
	s.Error = ""
	s.CompletedAt = &now
}

// Skip marks a step that will never run.
func (s *SagaStep) Skip() {
	s.Status = StepSkipped
}

// Saga is the root saga transaction record.
type Saga struct {
	ID              string            `json:"saga_id"`
	TransactionType string            `json:"transaction_type,omitempty"`
	Pattern         Pattern           `json:"pattern"`
	Status          SagaStatus        `json:"status"`
	CurrentStep     int               `json:"current_step"`
	TotalSteps      int               `json:"total_steps"`
	InputData       json.RawMessage   `json:"input_data,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Timeout         time.Duration     `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Steps           []SagaStep        `json:"steps,omitempty"`
}

// NewSagaParams holds what is needed to create a saga.
type NewSagaParams struct {
	TransactionType string
	Pattern         Pattern
	Steps           []StepTemplate
	Payloads        []json.RawMessage
	InputData       json.RawMessage
	Metadata        map[string]string
	CorrelationID   string
	Timeout         time.Duration
}

// NewSaga builds a pending saga with one pending step per template.
// Payloads[i], when present, becomes the request payload of step i.
func NewSaga(p NewSagaParams, now time.Time) *Saga {
	steps := make([]SagaStep, len(p.Steps))
	for i, t := range p.Steps {
		steps[i] = SagaStep{
			StepNumber:         i + 1,
			StepID:             t.StepID,
			Name:               t.StepID,
			ServiceURL:         t.ServiceURL,
			Action:             t.Action,
			CompensationAction: t.CompensationAction,
			Timeout:            t.Timeout,
			Status:             StepPending,
		}
		if i < len(p.Payloads) && len(p.Payloads[i]) > 0 {
			steps[i].RequestPayload = p.Payloads[i]
		}
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	return &Saga{
		ID:              uuid.New().String(),
		TransactionType: p.TransactionType,
		Pattern:         p.Pattern,
		Status:          SagaPending,
		CurrentStep:     0,
		TotalSteps:      len(steps),
		InputData:       p.InputData,
		Metadata:        metadata,
		CorrelationID:   p.CorrelationID,
		Timeout:         p.Timeout,
		CreatedAt:       now,
		UpdatedAt:       now,
		Steps:           steps,
	}
}

// Clone returns a deep copy of the saga and its steps.
func (s *Saga) Clone() *Saga {
	cpy := *s
	cpy.InputData = cloneRaw(s.InputData)
	cpy.StartedAt = cloneTime(s.StartedAt)
	cpy.CompletedAt = cloneTime(s.CompletedAt)
	if s.Metadata != nil {
		cpy.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cpy.Metadata[k] = v
		}
	}
	if s.Steps != nil {
		cpy.Steps = make([]SagaStep, len(s.Steps))
		for i := range s.Steps {
			cpy.Steps[i] = s.Steps[i].Clone()
		}
	}
	return &cpy
}

// Clone returns a deep copy of the step.
func (s SagaStep) Clone() SagaStep {
	s.RequestPayload = cloneRaw(s.RequestPayload)
	s.ResponsePayload = cloneRaw(s.ResponsePayload)
	s.StartedAt = cloneTime(s.StartedAt)
	s.CompletedAt = cloneTime(s.CompletedAt)
	return s
}

// Step returns the step with the given 1-based number, or nil.
func (s *Saga) Step(number int) *SagaStep {
	for i := range s.Steps {
		if s.Steps[i].StepNumber == number {
			return &s.Steps[i]
		}
	}
	return nil
}

// ActiveStep returns the step current_step points at. Once every step has
// completed it returns the last step, so callers can serve its cached result.
// When several steps are eligible the lowest step number wins.
func (s *Saga) ActiveStep() *SagaStep {
	if len(s.Steps) == 0 {
		return nil
	}
	for i := range s.Steps {
		st := s.Steps[i].Status
		if st == StepPending || st == StepRunning {
			if i < s.CurrentStep {
				return &s.Steps[i]
			}
			break
		}
	}
	if s.CurrentStep < len(s.Steps) {
		return &s.Steps[s.CurrentStep]
	}
	return &s.Steps[len(s.Steps)-1]
}

// Deadline returns when the saga times out, or false if it has no timeout
// or has not started.
func (s *Saga) Deadline() (time.Time, bool) {
	if s.Timeout <= 0 || s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.Timeout), true
}

// MarkRunning moves a pending saga to running.
func (s *Saga) MarkRunning(now time.Time) {
	s.Status = SagaRunning
	s.StartedAt = &now
	s.UpdatedAt = now
}

// BeginCompensation moves the saga into compensating and records why.
func (s *Saga) BeginCompensation(reason string, now time.Time) {
	s.Status = SagaCompensating
	s.appendError(reason)
	s.UpdatedAt = now
}

// FinishCompensation closes a compensation run. With nothing undone, a
// manual run ends cancelled; otherwise the saga is compensated.
func (s *Saga) FinishCompensation(compensated int, manual bool, now time.Time) {
	s.Status = SagaCompensated
	if compensated == 0 && manual {
		s.Status = SagaCancelled
	}
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// FailCompensation marks the saga failed, keeping the accumulated errors.
func (s *Saga) FailCompensation(reason string, now time.Time) {
	s.Status = SagaFailed
	s.appendError(reason)
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// CompensationPlan returns the indexes of the steps to undo, most recently
// completed first. Steps left in compensating by an interrupted run are
// included so a forced retry resumes them.
func (s *Saga) CompensationPlan() []int {
	var plan []int
	for i := len(s.Steps) - 1; i >= 0; i-- {
		switch s.Steps[i].Status {
		case StepCompleted, StepCompensating:
			plan = append(plan, i)
		}
	}
	return plan
}

func (s *Saga) appendError(reason string) {
	switch {
	case reason == "":
	case s.ErrorMessage == "":
		s.ErrorMessage = reason
	default:
		s.ErrorMessage = s.ErrorMessage + "; " + reason
	}
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
