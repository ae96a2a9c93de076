package domain

import (
	"fmt"
	"time"

	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
)

// StepTemplate describes one step of a saga: the participant to call and
// the action that undoes it.
type StepTemplate struct {
	StepID             string        `json:"step_id"`
	ServiceURL         string        `json:"service_url"`
	Action             string        `json:"action"`
	CompensationAction string        `json:"compensation_action,omitempty"`
	Timeout            time.Duration `json:"-"`
}

// SagaDefinition is a named, reusable saga template.
type SagaDefinition struct {
	TypeName    string         `json:"type_name"`
	Pattern     Pattern        `json:"pattern"`
	Description string         `json:"description"`
	Steps       []StepTemplate `json:"steps"`
	Timeout     time.Duration  `json:"-"`
}

// Validate checks the definition and fills in the default pattern.
func (d *SagaDefinition) Validate() error {
	if d.TypeName == "" {
		return apperrors.Validation("definition type name is required")
	}
	if d.Pattern == "" {
		d.Pattern = PatternOrchestration
	}
	if !d.Pattern.Valid() {
		return apperrors.Validation(fmt.Sprintf("definition %s: unknown pattern %q", d.TypeName, d.Pattern))
	}
	if d.Timeout < 0 {
		return apperrors.Validation(fmt.Sprintf("definition %s: timeout must not be negative", d.TypeName))
	}
	if err := ValidateSteps(d.Steps); err != nil {
		return apperrors.Validation(fmt.Sprintf("definition %s: %s", d.TypeName, err.Error()))
	}
	return nil
}

// ValidateSteps checks an ordered step list: at least one step, unique step
// ids, a target and action on every step and no negative timeout.
func ValidateSteps(steps []StepTemplate) error {
	if len(steps) == 0 {
		return fmt.Errorf("steps must be a non-empty list")
	}
	seen := make(map[string]struct{}, len(steps))
	for i, s := range steps {
		switch {
		case s.StepID == "":
			return fmt.Errorf("steps[%d]: step_id is required", i)
		case s.ServiceURL == "":
			return fmt.Errorf("steps[%d]: service_url is required", i)
		case s.Action == "":
			return fmt.Errorf("steps[%d]: action is required", i)
		case s.Timeout < 0:
			return fmt.Errorf("steps[%d]: timeout must not be negative", i)
		}
		if _, dup := seen[s.StepID]; dup {
			return fmt.Errorf("steps[%d]: duplicate step_id %q", i, s.StepID)
		}
		seen[s.StepID] = struct{}{}
	}
	return nil
}
