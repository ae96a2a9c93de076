package domain

import (
	"encoding/json"
	"time"
)

// StepResult is the outcome of one step invocation. It is either
// StepSucceeded or StepFailure.
type StepResult interface {
	stepResult()
}

// StepSucceeded carries the participant's response.
type StepSucceeded struct {
	Payload json.RawMessage
}

// StepFailure carries the reason the step failed.
type StepFailure struct {
	Err error
}

func (StepSucceeded) stepResult() {}
func (StepFailure) stepResult()   {}

// Transition tells the engine what to do after a result was applied.
type Transition int

const (
	// TransitionNone means the result did not move the saga.
	TransitionNone Transition = iota
	// TransitionAdvance means the next step is ready to run.
	TransitionAdvance
	// TransitionComplete means every step completed.
	TransitionComplete
	// TransitionCompensate means the saga entered compensating.
	TransitionCompensate
)

func (t Transition) String() string {
	switch t {
	case TransitionAdvance:
		return "advance"
	case TransitionComplete:
		return "complete"
	case TransitionCompensate:
		return "compensate"
	default:
		return "none"
	}
}

// ApplyStepResult records result on step and moves the saga through its
// state machine. step must belong to s and be the active step.
func (s *Saga) ApplyStepResult(step *SagaStep, result StepResult, now time.Time) Transition {
	if s.Status != SagaRunning || step.Status != StepRunning {
		return TransitionNone
	}

	switch r := result.(type) {
	case StepSucceeded:
		step.Complete(r.Payload, now)
		s.UpdatedAt = now
		if step.StepNumber > s.CurrentStep {
			s.CurrentStep = step.StepNumber
		}
		if s.CurrentStep >= s.TotalSteps {
			s.CurrentStep = s.TotalSteps
			s.Status = SagaCompleted
			s.CompletedAt = &now
			return TransitionComplete
		}
		return TransitionAdvance

	case StepFailure:
		reason := "step failed"
		if r.Err != nil {
			reason = r.Err.Error()
		}
		step.Fail(reason, now)
		s.BeginCompensation(reason, now)
		return TransitionCompensate
	}
	return TransitionNone
}
