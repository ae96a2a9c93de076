package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
	"github.com/utafrali/saga-orchestrator/pkg/logger"
	"github.com/utafrali/saga-orchestrator/pkg/tracing"
)

// abortRunningSteps fails every step still marked running. When a runner
// got its result in first, the step list is reloaded so the freshly
// completed step gets compensated too.
func (e *engine) abortRunningSteps(ctx context.Context, saga *domain.Saga, reason string) error {
	reload := false
	for i := range saga.Steps {
		step := &saga.Steps[i]
		if step.Status != domain.StepRunning {
			continue
		}
		step.Fail("aborted: "+reason, e.now())
		if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepRunning); err != nil {
			if !isConflict(err) {
				return fmt.Errorf("abort step %d: %w", step.StepNumber, err)
			}
			reload = true
		}
	}
	if !reload {
		return nil
	}
	steps, err := e.repo.ListSteps(ctx, saga.ID)
	if err != nil {
		return fmt.Errorf("reload steps: %w", err)
	}
	saga.Steps = steps
	return nil
}

// compensate undoes the completed steps of a compensating saga in reverse
// order and stops at the first failure. Pending steps are skipped. manual
// selects cancelled over compensated when there was nothing to undo.
// Each compensated step bumps the saga's updated_at, which is what the
// stuck-compensation check measures.
func (e *engine) compensate(ctx context.Context, saga *domain.Saga, manual bool) (err error) {
	ctx, span := tracing.Tracer("service").Start(ctx, "saga.compensate")
	defer func() { tracing.End(span, err) }()

	log := e.log(ctx)
	reason := saga.ErrorMessage

	for i := range saga.Steps {
		step := &saga.Steps[i]
		if step.Status != domain.StepPending {
			continue
		}
		step.Skip()
		if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepPending); err != nil && !isConflict(err) {
			return fmt.Errorf("skip step %d: %w", step.StepNumber, err)
		}
	}

	plan := saga.CompensationPlan()
	for _, idx := range plan {
		step := &saga.Steps[idx]

		if step.Status == domain.StepCompleted {
			step.BeginCompensation()
			if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepCompleted); err != nil {
				return fmt.Errorf("begin compensation of step %d: %w", step.StepNumber, err)
			}
		}

		if step.CompensationAction != "" {
			callCtx, release := e.takeOver(logger.WithStepID(ctx, step.StepID), saga.ID)
			_, invokeErr := e.invoker.Invoke(callCtx, httpclient.Request{
				ServiceURL:    step.ServiceURL,
				Action:        step.CompensationAction,
				Payload:       compensationPayload(saga, step, reason),
				CorrelationID: correlationOf(saga),
				Timeout:       step.Timeout,
			})
			cancelled := callCtx.Err() != nil
			release()
			if invokeErr != nil && cancelled {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errStepCancelled
			}
			if invokeErr != nil {
				failure := &domain.CompensationFailureError{
					SagaID: saga.ID,
					StepID: step.StepID,
					Action: step.CompensationAction,
					Err:    invokeErr,
				}
				step.Error = failure.Error()
				if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepCompensating); err != nil {
					log.ErrorContext(ctx, "failed to record compensation error", slog.String("error", err.Error()))
				}
				return e.failCompensation(ctx, saga, step, failure)
			}
		}

		step.Compensate(e.now())
		if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepCompensating); err != nil {
			return fmt.Errorf("finish compensation of step %d: %w", step.StepNumber, err)
		}
		saga.UpdatedAt = e.now()
		if err := e.repo.Update(ctx, saga, domain.SagaCompensating); err != nil {
			return fmt.Errorf("record compensation progress: %w", err)
		}
		e.publish(ctx, domain.EventStepCompensated, saga, step)
		log.InfoContext(ctx, "saga step compensated",
			slog.Int("step_number", step.StepNumber),
			slog.String("step_id", step.StepID),
			slog.String("compensation_action", step.CompensationAction),
		)
	}

	saga.FinishCompensation(len(plan), manual, e.now())
	if err := e.repo.Update(ctx, saga, domain.SagaCompensating); err != nil {
		return fmt.Errorf("finish compensation: %w", err)
	}
	e.metrics.Transition(saga.Status)
	e.publish(ctx, domain.TerminalEvent(saga.Status), saga, nil)
	log.InfoContext(ctx, "saga compensation finished",
		slog.String("status", string(saga.Status)),
		slog.Int("compensated_steps", len(plan)),
	)
	return nil
}

// failCompensation leaves the saga failed and raises an alert: the system
// may be inconsistent until an operator steps in.
func (e *engine) failCompensation(ctx context.Context, saga *domain.Saga, step *domain.SagaStep, failure *domain.CompensationFailureError) error {
	saga.FailCompensation(failure.Error(), e.now())
	if err := e.repo.Update(ctx, saga, domain.SagaCompensating); err != nil {
		return fmt.Errorf("mark compensation failed: %w", err)
	}

	e.metrics.Transition(domain.SagaFailed)
	e.metrics.CompensationFailed(saga.TransactionType)
	e.publish(ctx, domain.EventSagaFailed, saga, step)
	e.log(ctx).ErrorContext(ctx, "saga compensation failed, manual intervention required",
		slog.Bool("alert", true),
		slog.String("transaction_type", saga.TransactionType),
		slog.Int("step_number", step.StepNumber),
		slog.String("step_id", step.StepID),
		slog.String("compensation_action", step.CompensationAction),
		slog.String("error", failure.Err.Error()),
	)
	return nil
}

func correlationOf(saga *domain.Saga) string {
	if saga.CorrelationID != "" {
		return saga.CorrelationID
	}
	return saga.ID
}
