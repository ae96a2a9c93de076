package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/repository"
	"github.com/utafrali/saga-orchestrator/pkg/httpclient"
	"github.com/utafrali/saga-orchestrator/pkg/logger"
)

// Invoker calls a participant service. *httpclient.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// EventPublisher publishes saga lifecycle events. *event.Producer
// implements it.
type EventPublisher interface {
	PublishSagaEvent(ctx context.Context, eventType string, saga *domain.Saga, step *domain.SagaStep) error
	PublishStepRequested(ctx context.Context, saga *domain.Saga, step *domain.SagaStep) error
}

// errStepCancelled reports an invocation cancelled by whoever took the saga
// over. The canceller owns the saga from then on.
var errStepCancelled = errors.New("step invocation cancelled")

// errStepInFlight reports that this instance is already calling a
// participant for the saga.
var errStepInFlight = errors.New("step invocation already in flight")

// invocation is the cancel handle of one outstanding participant call.
type invocation struct {
	cancel context.CancelFunc
}

// engine holds what orchestration and choreography share: the store, the
// invoker, and the transition and compensation logic.
type engine struct {
	repo     repository.SagaRepository
	invoker  Invoker
	events   EventPublisher
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	inflight *xsync.MapOf[string, *invocation]
}

func newEngine(repo repository.SagaRepository, invoker Invoker, events EventPublisher, collector *metrics.Collector, log *slog.Logger) *engine {
	return &engine{
		repo:     repo,
		invoker:  invoker,
		events:   events,
		metrics:  collector,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: xsync.NewMapOf[string, *invocation](),
	}
}

func (e *engine) log(ctx context.Context) *slog.Logger {
	return logger.WithContext(ctx, e.logger)
}

// markRunning moves a pending saga to running.
func (e *engine) markRunning(ctx context.Context, saga *domain.Saga) error {
	saga.MarkRunning(e.now())
	if err := e.repo.Update(ctx, saga, domain.SagaPending); err != nil {
		return err
	}
	e.metrics.Transition(domain.SagaRunning)
	e.publish(ctx, domain.EventSagaStarted, saga, nil)
	e.log(ctx).InfoContext(ctx, "saga started",
		slog.String("pattern", string(saga.Pattern)),
		slog.Int("total_steps", saga.TotalSteps),
	)
	return nil
}

// record applies result to the running step and persists the step first,
// then the saga header. Both writes are conditional, so a concurrent
// compensation or timeout wins and this call reports a conflict.
func (e *engine) record(ctx context.Context, saga *domain.Saga, step *domain.SagaStep, result domain.StepResult) (domain.Transition, error) {
	tr := saga.ApplyStepResult(step, result, e.now())
	if tr == domain.TransitionNone {
		return tr, nil
	}

	if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepRunning); err != nil {
		return domain.TransitionNone, err
	}
	if err := e.repo.Update(ctx, saga, domain.SagaRunning); err != nil {
		return domain.TransitionNone, err
	}

	log := e.log(ctx).With(slog.Int("step_number", step.StepNumber), slog.String("step_id", step.StepID))
	switch tr {
	case domain.TransitionAdvance:
		e.publish(ctx, domain.EventStepCompleted, saga, step)
		log.InfoContext(ctx, "saga step completed")
	case domain.TransitionComplete:
		e.metrics.Transition(domain.SagaCompleted)
		e.publish(ctx, domain.EventStepCompleted, saga, step)
		e.publish(ctx, domain.EventSagaCompleted, saga, nil)
		log.InfoContext(ctx, "saga completed")
	case domain.TransitionCompensate:
		e.metrics.Transition(domain.SagaCompensating)
		e.publish(ctx, domain.EventStepFailed, saga, step)
		e.publish(ctx, domain.EventSagaCompensating, saga, step)
		log.WarnContext(ctx, "saga step failed, compensating", slog.String("error", step.Error))
	}
	return tr, nil
}

// requestStep marks a choreography step running and asks its participants
// to perform it.
func (e *engine) requestStep(ctx context.Context, saga *domain.Saga, step *domain.SagaStep) error {
	payload := step.RequestPayload
	if len(payload) == 0 {
		payload = saga.InputData
	}
	step.Start(payload, e.now())
	if err := e.repo.AppendStepResult(ctx, saga.ID, step, domain.StepPending); err != nil {
		return err
	}
	if err := e.events.PublishStepRequested(ctx, saga, step); err != nil {
		e.log(ctx).WarnContext(ctx, "failed to publish step request",
			slog.String("action", step.Action),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// claim registers a cancellable invocation for sagaID. It reports false
// when another invocation for the saga is still outstanding.
func (e *engine) claim(ctx context.Context, sagaID string) (context.Context, func(), bool) {
	callCtx, cancel := context.WithCancel(ctx)
	call := &invocation{cancel: cancel}
	if _, loaded := e.inflight.LoadOrStore(sagaID, call); loaded {
		cancel()
		return nil, nil, false
	}
	return callCtx, func() { e.release(sagaID, call) }, true
}

// takeOver registers a cancellable invocation for sagaID and cancels the
// one it replaces.
func (e *engine) takeOver(ctx context.Context, sagaID string) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(ctx)
	call := &invocation{cancel: cancel}
	if prev, loaded := e.inflight.LoadAndStore(sagaID, call); loaded {
		prev.cancel()
	}
	return callCtx, func() { e.release(sagaID, call) }
}

// release cancels call and drops it from the map unless another
// invocation has replaced it there.
func (e *engine) release(sagaID string, call *invocation) {
	e.inflight.Compute(sagaID, func(current *invocation, loaded bool) (*invocation, bool) {
		return current, !loaded || current == call
	})
	call.cancel()
}

// inFlight reports whether this instance is calling a participant for
// sagaID.
func (e *engine) inFlight(sagaID string) bool {
	_, ok := e.inflight.Load(sagaID)
	return ok
}

// cancelInFlight cancels the invocation currently running for sagaID.
func (e *engine) cancelInFlight(sagaID string) bool {
	call, ok := e.inflight.LoadAndDelete(sagaID)
	if ok {
		call.cancel()
	}
	return ok
}

func (e *engine) publish(ctx context.Context, eventType string, saga *domain.Saga, step *domain.SagaStep) {
	if err := e.events.PublishSagaEvent(ctx, eventType, saga, step); err != nil {
		e.log(ctx).WarnContext(ctx, "failed to publish saga event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// compensationPayload is sent to a compensation action so the participant
// knows what to undo.
func compensationPayload(saga *domain.Saga, step *domain.SagaStep, reason string) json.RawMessage {
	body, err := json.Marshal(struct {
		SagaID   string          `json:"saga_id"`
		StepID   string          `json:"step_id"`
		Reason   string          `json:"reason,omitempty"`
		Request  json.RawMessage `json:"request,omitempty"`
		Response json.RawMessage `json:"response,omitempty"`
	}{saga.ID, step.StepID, reason, step.RequestPayload, step.ResponsePayload})
	if err != nil {
		return nil
	}
	return body
}
