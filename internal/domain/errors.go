package domain

import (
	"errors"
	"fmt"
)

// ErrStepTimeout marks a step that did not finish before the saga deadline.
var ErrStepTimeout = errors.New("step timeout exceeded")

// StepExecutionError is a step invocation that failed after all attempts.
type StepExecutionError struct {
	StepID   string
	Action   string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d attempt(s): %v", e.StepID, e.Action, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// CompensationFailureError is a compensation action that could not be
// applied. The saga is left failed and needs an operator.
type CompensationFailureError struct {
	SagaID string
	StepID string
	Action string
	Err    error
}

func (e *CompensationFailureError) Error() string {
	return fmt.Sprintf("compensation %s of step %s failed: %v", e.Action, e.StepID, e.Err)
}

func (e *CompensationFailureError) Unwrap() error {
	return e.Err
}
