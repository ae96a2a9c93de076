package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/registry"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
	"github.com/utafrali/saga-orchestrator/pkg/logger"
	"github.com/utafrali/saga-orchestrator/pkg/retry"
	"github.com/utafrali/saga-orchestrator/pkg/tracing"
)

// Options tunes the orchestrator.
type Options struct {
	// DefaultTimeout applies to sagas that name no timeout and no
	// definition with one. Zero disables the saga deadline.
	DefaultTimeout time.Duration
}

// StepInput is one step of a start request.
type StepInput struct {
	StepID             string
	ServiceURL         string
	Action             string
	CompensationAction string
	Payload            json.RawMessage
	Timeout            time.Duration
}

// StartInput describes a saga to start. Steps may be omitted when
// TransactionType names a registered definition.
type StartInput struct {
	Pattern         domain.Pattern
	TransactionType string
	CorrelationID   string
	Timeout         time.Duration
	Metadata        map[string]string
	InputData       json.RawMessage
	Steps           []StepInput
}

// ExecuteOptions controls ExecuteNextStep.
type ExecuteOptions struct {
	// Force runs the step even if the saga has not reached running, and
	// takes over a step left running by a lost worker.
	Force bool
	// Input replaces the step's request payload for this invocation.
	Input json.RawMessage
}

// CompensateOptions controls Compensate.
type CompensateOptions struct {
	Reason string
	// Force skips the terminal-status precondition.
	Force bool
}

// Orchestrator drives orchestration sagas: it persists them, runs their
// steps one after another in the background and compensates on failure.
type Orchestrator struct {
	*engine
	registry *registry.Registry
	opts     Options

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Background saga runs live until
// Shutdown.
func NewOrchestrator(
	repo repository.SagaRepository,
	reg *registry.Registry,
	invoker Invoker,
	events EventPublisher,
	collector *metrics.Collector,
	log *slog.Logger,
	opts Options,
) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		engine:   newEngine(repo, invoker, events, collector, log),
		registry: reg,
		opts:     opts,
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Start validates and persists a new saga, then hands it to a background
// run. A correlation id that was seen before returns the existing saga and
// created=false.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (saga *domain.Saga, created bool, err error) {
	if in.CorrelationID != "" {
		existing, err := o.repo.GetByCorrelationID(ctx, in.CorrelationID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, false, fmt.Errorf("look up correlation id: %w", err)
		}
	}

	params, err := o.resolve(in)
	if err != nil {
		return nil, false, err
	}

	saga = domain.NewSaga(params, o.now())
	if err := o.repo.Create(ctx, saga); err != nil {
		if errors.Is(err, repository.ErrDuplicateCorrelation) {
			existing, getErr := o.repo.GetByCorrelationID(ctx, in.CorrelationID)
			if getErr != nil {
				return nil, false, fmt.Errorf("load saga for correlation id: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create saga: %w", err)
	}

	o.metrics.SagaCreated(saga.Pattern, saga.TransactionType)
	o.log(logger.WithSagaID(ctx, saga.ID)).InfoContext(ctx, "saga created",
		slog.String("pattern", string(saga.Pattern)),
		slog.String("transaction_type", saga.TransactionType),
		slog.Int("total_steps", saga.TotalSteps),
	)

	o.launch(saga.ID)
	return saga, true, nil
}

func (o *Orchestrator) resolve(in StartInput) (domain.NewSagaParams, error) {
	var def *domain.SagaDefinition
	if in.TransactionType != "" && o.registry != nil {
		d, err := o.registry.Get(in.TransactionType)
		switch {
		case err == nil:
			def = &d
		case !errors.Is(err, apperrors.ErrNotFound):
			return domain.NewSagaParams{}, err
		}
	}

	var (
		steps    []domain.StepTemplate
		payloads []json.RawMessage
	)
	switch {
	case len(in.Steps) > 0:
		steps = make([]domain.StepTemplate, len(in.Steps))
		payloads = make([]json.RawMessage, len(in.Steps))
		for i, s := range in.Steps {
			steps[i] = domain.StepTemplate{
				StepID:             s.StepID,
				ServiceURL:         s.ServiceURL,
				Action:             s.Action,
				CompensationAction: s.CompensationAction,
				Timeout:            s.Timeout,
			}
			payloads[i] = s.Payload
		}
	case def != nil:
		steps = def.Steps
	case in.TransactionType != "":
		return domain.NewSagaParams{}, apperrors.Validation(
			fmt.Sprintf("unknown transaction type %q and no steps given", in.TransactionType))
	default:
		return domain.NewSagaParams{}, apperrors.Validation("steps must be a non-empty list")
	}

	pattern := in.Pattern
	if pattern == "" {
		pattern = domain.PatternOrchestration
		if def != nil {
			pattern = def.Pattern
		}
	}
	if !pattern.Valid() {
		return domain.NewSagaParams{}, apperrors.Validation(fmt.Sprintf("unknown pattern %q", pattern))
	}
	if err := domain.ValidateSteps(steps); err != nil {
		return domain.NewSagaParams{}, apperrors.Validation(err.Error())
	}

	timeout := in.Timeout
	if timeout < 0 {
		return domain.NewSagaParams{}, apperrors.Validation("timeout must not be negative")
	}
	if timeout == 0 && def != nil {
		timeout = def.Timeout
	}
	if timeout == 0 {
		timeout = o.opts.DefaultTimeout
	}

	return domain.NewSagaParams{
		TransactionType: in.TransactionType,
		Pattern:         pattern,
		Steps:           steps,
		Payloads:        payloads,
		InputData:       in.InputData,
		Metadata:        in.Metadata,
		CorrelationID:   in.CorrelationID,
		Timeout:         timeout,
	}, nil
}

// launch runs the saga in its own goroutine, tracked by Wait.
func (o *Orchestrator) launch(id string) {
	if o.baseCtx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(logger.WithSagaID(o.baseCtx, id), id)
	}()
}

// run moves a pending saga to running and then, for orchestration, executes
// steps until the saga completes, compensates or another worker takes over.
// Choreography sagas only get their first step requested.
func (o *Orchestrator) run(ctx context.Context, id string) {
	saga, err := o.repo.Get(ctx, id)
	if err != nil {
		o.logStop(ctx, "failed to load saga", err)
		return
	}

	if saga.Status == domain.SagaPending {
		if err := o.markRunning(ctx, saga); err != nil {
			o.logStop(ctx, "failed to start saga", err)
			return
		}
	}

	if saga.Pattern == domain.PatternChoreography {
		step := saga.ActiveStep()
		if saga.Status == domain.SagaRunning && step != nil && step.Status == domain.StepPending {
			if err := o.requestStep(ctx, saga, step); err != nil {
				o.logStop(ctx, "failed to request first step", err)
			}
		}
		return
	}

	for saga.Status == domain.SagaRunning {
		step := saga.ActiveStep()
		if step == nil || step.Status != domain.StepPending {
			return
		}
		tr, err := o.advance(ctx, saga, step, ExecuteOptions{})
		if err != nil {
			o.logStop(ctx, "saga run stopped", err)
			return
		}
		switch tr {
		case domain.TransitionCompensate:
			if err := o.compensate(ctx, saga, false); err != nil {
				o.logStop(ctx, "compensation interrupted", err)
			}
			return
		case domain.TransitionAdvance:
			continue
		default:
			return
		}
	}
}

func (o *Orchestrator) logStop(ctx context.Context, msg string, err error) {
	log := o.log(ctx)
	switch {
	case isConflict(err), errors.Is(err, errStepCancelled), errors.Is(err, errStepInFlight):
		log.InfoContext(ctx, "saga taken over by another worker", slog.String("reason", err.Error()))
	case errors.Is(err, apperrors.ErrNotFound):
		log.InfoContext(ctx, "saga deleted while running")
	case ctx.Err() != nil:
		log.InfoContext(ctx, "saga run interrupted by shutdown")
	default:
		log.ErrorContext(ctx, msg, slog.String("error", err.Error()))
	}
}

// advance invokes one step and records the result.
func (o *Orchestrator) advance(ctx context.Context, saga *domain.Saga, step *domain.SagaStep, opts ExecuteOptions) (tr domain.Transition, err error) {
	ctx, span := tracing.Tracer("service").Start(ctx, "saga.step "+step.Action)
	defer func() { tracing.End(span, err) }()

	invokeCtx, release, ok := o.claim(logger.WithStepID(ctx, step.StepID), saga.ID)
	if !ok {
		return domain.TransitionNone, errStepInFlight
	}
	defer release()

	expected := step.Status
	payload := opts.Input
	if len(payload) == 0 && len(step.RequestPayload) == 0 {
		payload = saga.InputData
	}
	step.Start(payload, o.now())
	if err := o.repo.AppendStepResult(ctx, saga.ID, step, expected); err != nil {
		return domain.TransitionNone, err
	}

	started := time.Now()
	resp, invokeErr := o.invoker.Invoke(invokeCtx, httpclient.Request{
		ServiceURL:    step.ServiceURL,
		Action:        step.Action,
		Payload:       step.RequestPayload,
		CorrelationID: correlationOf(saga),
		Timeout:       step.Timeout,
	})
	took := time.Since(started)

	if invokeErr != nil && invokeCtx.Err() != nil {
		o.metrics.StepInvoked(metrics.OutcomeCancelled, took)
		if ctx.Err() != nil {
			return domain.TransitionNone, ctx.Err()
		}
		return domain.TransitionNone, errStepCancelled
	}

	var result domain.StepResult
	if invokeErr == nil {
		step.AttemptCount += resp.Attempts
		o.metrics.StepInvoked(metrics.OutcomeSucceeded, took)
		result = domain.StepSucceeded{Payload: resp.Body}
	} else {
		attempts := 1
		var exhausted *retry.ExhaustedError
		if errors.As(invokeErr, &exhausted) {
			attempts = exhausted.Attempts
		}
		step.AttemptCount += attempts
		outcome := metrics.OutcomeFailed
		if errors.Is(invokeErr, httpclient.ErrCircuitOpen) {
			outcome = metrics.OutcomeCircuitOpen
		}
		o.metrics.StepInvoked(outcome, took)
		result = domain.StepFailure{Err: &domain.StepExecutionError{
			StepID:   step.StepID,
			Action:   step.Action,
			Attempts: attempts,
			Err:      invokeErr,
		}}
	}

	return o.record(ctx, saga, step, result)
}

// ExecuteNextStep runs the saga's current step now and hands the rest of the
// saga back to a background run. A step that already completed is returned
// as is, without calling the participant again. A running step is only
// taken over when no invocation for it is outstanding on this instance.
func (o *Orchestrator) ExecuteNextStep(ctx context.Context, id string, opts ExecuteOptions) (*domain.SagaStep, error) {
	ctx = logger.WithSagaID(ctx, id)
	saga, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	step := saga.ActiveStep()
	if step == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("saga %s has no steps", id))
	}
	if step.Status == domain.StepCompleted && (saga.Status == domain.SagaCompleted || saga.Status == domain.SagaRunning) {
		if err := o.repairPointer(ctx, saga, step); err != nil {
			return nil, err
		}
		cached := step.Clone()
		return &cached, nil
	}

	switch {
	case saga.Status.IsTerminal():
		return nil, apperrors.Conflict(fmt.Sprintf("saga %s is %s", id, saga.Status))
	case saga.Status == domain.SagaCompensating:
		return nil, apperrors.Conflict(fmt.Sprintf("saga %s is compensating", id))
	case saga.Status == domain.SagaPending && !opts.Force:
		return nil, apperrors.Conflict(fmt.Sprintf("saga %s is not running yet", id))
	case saga.Status == domain.SagaPending:
		if err := o.markRunning(ctx, saga); err != nil {
			return nil, conflictOr(err, "saga was modified concurrently")
		}
	}

	switch {
	case step.Status == domain.StepPending:
	case step.Status == domain.StepRunning && opts.Force:
		if o.inFlight(id) {
			return nil, apperrors.Conflict(fmt.Sprintf("step %d of saga %s is still being executed", step.StepNumber, id))
		}
		o.log(ctx).WarnContext(ctx, "taking over running step", slog.Int("step_number", step.StepNumber))
	default:
		return nil, apperrors.Conflict(fmt.Sprintf("step %d of saga %s is %s", step.StepNumber, id, step.Status))
	}

	tr, err := o.advance(ctx, saga, step, opts)
	if err != nil {
		switch {
		case errors.Is(err, errStepCancelled):
			return nil, apperrors.Conflict(fmt.Sprintf("step %d of saga %s was cancelled", step.StepNumber, id))
		case errors.Is(err, errStepInFlight):
			return nil, apperrors.Conflict(fmt.Sprintf("step %d of saga %s is still being executed", step.StepNumber, id))
		}
		return nil, conflictOr(err, "saga was modified concurrently")
	}
	switch tr {
	case domain.TransitionAdvance:
		o.launch(id)
	case domain.TransitionCompensate:
		ctx := context.WithoutCancel(ctx)
		if err := o.compensate(ctx, saga, false); err != nil {
			o.logStop(ctx, "compensation interrupted", err)
		}
	}

	result := step.Clone()
	return &result, nil
}

// repairPointer advances current_step past a completed step when a crash
// left the pointer behind.
func (o *Orchestrator) repairPointer(ctx context.Context, saga *domain.Saga, step *domain.SagaStep) error {
	if saga.Status != domain.SagaRunning || step.StepNumber <= saga.CurrentStep {
		return nil
	}
	saga.CurrentStep = step.StepNumber
	saga.UpdatedAt = o.now()
	if saga.CurrentStep >= saga.TotalSteps {
		saga.Status = domain.SagaCompleted
		saga.CompletedAt = &saga.UpdatedAt
	}
	if err := o.repo.Update(ctx, saga, domain.SagaRunning); err != nil && !isConflict(err) {
		return err
	}
	if saga.Status == domain.SagaCompleted {
		o.metrics.Transition(domain.SagaCompleted)
		o.publish(ctx, domain.EventSagaCompleted, saga, nil)
	}
	return nil
}

// Compensate rolls back a saga on request. The saga's in-flight invocation
// is cancelled first. A failing compensation action leaves the saga failed;
// that is reported through the returned saga, not as an error.
func (o *Orchestrator) Compensate(ctx context.Context, id string, opts CompensateOptions) (*domain.Saga, error) {
	ctx = logger.WithSagaID(ctx, id)
	saga, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	reason := opts.Reason
	if reason == "" {
		reason = "manual compensation requested"
	}

	prev := saga.Status
	switch {
	case prev.IsTerminal() && !opts.Force:
		return nil, apperrors.Conflict(fmt.Sprintf("saga %s is %s and cannot be compensated", id, prev)).
			WithStatus(http.StatusBadRequest)
	case prev == domain.SagaCompensated || prev == domain.SagaCancelled:
		return saga, nil
	case prev == domain.SagaCompensating && !opts.Force:
		return nil, apperrors.Conflict(fmt.Sprintf("saga %s is already compensating", id)).
			WithStatus(http.StatusBadRequest)
	case prev == domain.SagaCompensating:
		o.log(ctx).WarnContext(ctx, "resuming compensation", slog.String("reason", reason))
	default:
		saga.BeginCompensation(reason, o.now())
		if err := o.repo.Update(ctx, saga, prev); err != nil {
			return nil, conflictOr(err, "saga was modified concurrently")
		}
		o.metrics.Transition(domain.SagaCompensating)
		o.publish(ctx, domain.EventSagaCompensating, saga, nil)
	}

	if o.cancelInFlight(id) {
		o.log(ctx).InfoContext(ctx, "cancelled in-flight step invocation")
	}

	// The caller going away must not leave a half-compensated saga.
	ctx = context.WithoutCancel(ctx)
	if err := o.abortRunningSteps(ctx, saga, reason); err != nil {
		return nil, err
	}
	if err := o.compensate(ctx, saga, true); err != nil {
		if errors.Is(err, errStepCancelled) || isConflict(err) {
			return nil, apperrors.Conflict(fmt.Sprintf("compensation of saga %s was taken over", id))
		}
		return nil, err
	}
	return saga, nil
}

// GetStatus returns the saga with its steps.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*domain.Saga, error) {
	return o.repo.Get(ctx, id)
}

// GetSteps returns the saga's steps ordered by step number.
func (o *Orchestrator) GetSteps(ctx context.Context, id string) ([]domain.SagaStep, error) {
	return o.repo.ListSteps(ctx, id)
}

// List returns one page of saga headers.
func (o *Orchestrator) List(ctx context.Context, filter repository.Filter) ([]domain.Saga, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.Pattern != "" && !filter.Pattern.Valid() {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("unknown pattern %q", filter.Pattern))
	}
	return o.repo.Query(ctx, filter)
}

// Delete removes a saga. An active saga is only removed with force, which
// also cancels its in-flight invocation.
func (o *Orchestrator) Delete(ctx context.Context, id string, force bool) error {
	ctx = logger.WithSagaID(ctx, id)
	saga, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !saga.Status.IsTerminal() {
		if !force {
			return apperrors.Conflict(fmt.Sprintf("saga %s is %s; use force to delete it", id, saga.Status))
		}
		o.cancelInFlight(id)
	}
	if err := o.repo.Delete(ctx, id); err != nil {
		return err
	}
	o.log(ctx).InfoContext(ctx, "saga deleted",
		slog.String("status", string(saga.Status)),
		slog.Bool("force", force),
	)
	return nil
}

// HandleStepTimeout fails the active step of an overdue running saga with
// domain.ErrStepTimeout and compensates.
func (o *Orchestrator) HandleStepTimeout(ctx context.Context, id string) error {
	ctx = logger.WithSagaID(ctx, id)
	saga, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if saga.Status != domain.SagaRunning {
		return nil
	}
	o.cancelInFlight(id)

	step := saga.ActiveStep()
	if step.Status == domain.StepPending {
		step.Start(nil, o.now())
		if err := o.repo.AppendStepResult(ctx, saga.ID, step, domain.StepPending); err != nil {
			return ignoreConflict(err)
		}
	}

	tr, err := o.record(ctx, saga, step, domain.StepFailure{Err: domain.ErrStepTimeout})
	if err != nil {
		return ignoreConflict(err)
	}
	if tr != domain.TransitionCompensate {
		return nil
	}
	o.metrics.TimedOut("step")
	o.log(ctx).WarnContext(ctx, "saga timed out",
		slog.Int("step_number", step.StepNumber),
		slog.Duration("timeout", saga.Timeout),
	)
	return o.compensate(ctx, saga, false)
}

// EscalateStuckCompensation fails a saga whose compensation made no
// progress within the compensation timeout.
func (o *Orchestrator) EscalateStuckCompensation(ctx context.Context, id string) error {
	ctx = logger.WithSagaID(ctx, id)
	saga, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if saga.Status != domain.SagaCompensating {
		return nil
	}
	o.cancelInFlight(id)

	saga.FailCompensation("compensation timeout exceeded", o.now())
	if err := o.repo.Update(ctx, saga, domain.SagaCompensating); err != nil {
		return ignoreConflict(err)
	}

	o.metrics.TimedOut("compensation")
	o.metrics.CompensationFailed(saga.TransactionType)
	o.metrics.Transition(domain.SagaFailed)
	o.publish(ctx, domain.EventSagaFailed, saga, nil)
	o.log(ctx).ErrorContext(ctx, "saga compensation stuck, manual intervention required",
		slog.Bool("alert", true),
		slog.String("transaction_type", saga.TransactionType),
	)
	return nil
}

// Wait blocks until every background saga run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops background runs and waits for them until ctx expires.
// Steps interrupted this way stay running and are picked up by the timeout
// scheduler.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for saga runs: %w", ctx.Err())
	}
}

func isConflict(err error) bool {
	return errors.Is(err, repository.ErrConcurrentModification)
}

func ignoreConflict(err error) error {
	if isConflict(err) {
		return nil
	}
	return err
}

func conflictOr(err error, msg string) error {
	if isConflict(err) {
		return apperrors.Conflict(msg)
	}
	return err
}
