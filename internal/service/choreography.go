package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	"github.com/utafrali/saga-orchestrator/internal/metrics"
	"github.com/utafrali/saga-orchestrator/internal/registry"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
	"github.com/utafrali/saga-orchestrator/pkg/kafka"
	"github.com/utafrali/saga-orchestrator/pkg/logger"
)

// ReceiptReceived is the only receipt status: events are always accepted,
// whether or not they matched a saga.
const ReceiptReceived = "received"

// InboundEvent is a domain event reported by a participant.
type InboundEvent struct {
	EventID       string
	Type          string
	SagaID        string
	CorrelationID string
	Metadata      map[string]string
	Data          json.RawMessage
	Error         string
}

// EventReceipt acknowledges an inbound event.
type EventReceipt struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Type    string `json:"type"`
}

// NewInboundEvent parses an event body. The whole body becomes the step's
// response payload; saga_id, correlation_id, event_id, error and metadata
// are picked out of it when present.
func NewInboundEvent(eventType string, payload json.RawMessage) (InboundEvent, error) {
	ev := InboundEvent{Type: eventType, Data: payload}
	if len(payload) == 0 {
		return ev, nil
	}

	var envelope struct {
		EventID       string         `json:"event_id"`
		SagaID        string         `json:"saga_id"`
		CorrelationID string         `json:"correlation_id"`
		Error         string         `json:"error"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ev, apperrors.InvalidInput("event payload must be a JSON object")
	}

	ev.EventID = envelope.EventID
	ev.SagaID = envelope.SagaID
	ev.CorrelationID = envelope.CorrelationID
	ev.Error = envelope.Error
	if len(envelope.Metadata) > 0 {
		ev.Metadata = make(map[string]string, len(envelope.Metadata))
		for k, v := range envelope.Metadata {
			if s, ok := v.(string); ok {
				ev.Metadata[k] = s
			}
		}
	}
	return ev, nil
}

// Choreography advances choreography sagas from participant events. It
// shares the transition and compensation logic of the orchestrator.
type Choreography struct {
	*engine
	idempotency kafka.IdempotencyStore

	mu   sync.RWMutex
	subs map[string][]string
}

// NewChoreography creates a choreography engine on top of o and subscribes
// it to the step events of every choreography definition in reg.
func NewChoreography(o *Orchestrator, reg *registry.Registry, idempotency kafka.IdempotencyStore) *Choreography {
	c := &Choreography{
		engine:      o.engine,
		idempotency: idempotency,
		subs:        make(map[string][]string),
	}
	if reg != nil {
		for _, def := range reg.List() {
			if def.Pattern == domain.PatternChoreography {
				c.Subscribe(def)
			}
		}
	}
	return c
}

// Subscribe maps the step events of def to its transaction type.
func (c *Choreography) Subscribe(def domain.SagaDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, step := range def.Steps {
		for _, t := range []string{step.Action, domain.FailedEvent(step.Action)} {
			c.subs[t] = appendUnique(c.subs[t], def.TypeName)
		}
	}
}

// Subscriptions returns the subscribed event types, sorted.
func (c *Choreography) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.subs))
	for t := range c.subs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (c *Choreography) subscribers(eventType string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[eventType]
}

// HandleEvent applies ev to the saga it correlates with. Events that match
// no saga step are logged and acknowledged without any state change.
// Deliveries of an already processed event id are ignored.
func (c *Choreography) HandleEvent(ctx context.Context, ev InboundEvent) (*EventReceipt, error) {
	if ev.Type == "" {
		return nil, apperrors.InvalidInput("event type is required")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	receipt := &EventReceipt{EventID: ev.EventID, Status: ReceiptReceived, Type: ev.Type}
	log := c.log(ctx).With(slog.String("event_id", ev.EventID), slog.String("event_type", ev.Type))

	seen, err := c.idempotency.Contains(ctx, ev.EventID)
	if err != nil {
		return nil, fmt.Errorf("check event id: %w", err)
	}
	if seen {
		c.metrics.EventReceived(metrics.EventDuplicate)
		log.InfoContext(ctx, "duplicate event ignored")
		return receipt, nil
	}

	matched, err := c.apply(ctx, ev, log)
	if err != nil {
		return nil, err
	}
	if matched {
		c.metrics.EventReceived(metrics.EventMatched)
	} else {
		c.metrics.EventReceived(metrics.EventUnmatched)
	}

	if err := c.idempotency.Add(ctx, ev.EventID); err != nil {
		log.WarnContext(ctx, "failed to remember event id", slog.String("error", err.Error()))
	}
	return receipt, nil
}

func (c *Choreography) apply(ctx context.Context, ev InboundEvent, log *slog.Logger) (bool, error) {
	saga, err := c.correlate(ctx, ev)
	if err != nil {
		return false, err
	}
	if saga == nil {
		log.InfoContext(ctx, "event matches no saga",
			slog.Any("subscribed_types", c.subscribers(ev.Type)),
		)
		return false, nil
	}

	ctx = logger.WithSagaID(ctx, saga.ID)
	log = log.With(slog.String("saga_id", saga.ID))

	step := saga.ActiveStep()
	if saga.Pattern != domain.PatternChoreography || saga.Status != domain.SagaRunning || step == nil {
		log.InfoContext(ctx, "event ignored, saga is not awaiting events",
			slog.String("pattern", string(saga.Pattern)),
			slog.String("status", string(saga.Status)),
		)
		return false, nil
	}

	var result domain.StepResult
	switch ev.Type {
	case step.Action:
		result = domain.StepSucceeded{Payload: ev.Data}
	case domain.FailedEvent(step.Action):
		reason := ev.Error
		if reason == "" {
			reason = "participant reported failure"
		}
		result = domain.StepFailure{Err: &domain.StepExecutionError{
			StepID:   step.StepID,
			Action:   step.Action,
			Attempts: 1,
			Err:      errors.New(reason),
		}}
	default:
		log.InfoContext(ctx, "event does not match the current step",
			slog.Int("step_number", step.StepNumber),
			slog.String("expected_action", step.Action),
		)
		return false, nil
	}

	switch step.Status {
	case domain.StepPending:
		// The participant acted before the request went out.
		step.Start(nil, c.now())
		if err := c.repo.AppendStepResult(ctx, saga.ID, step, domain.StepPending); err != nil {
			return false, c.lostRace(ctx, log, err)
		}
	case domain.StepRunning:
	default:
		return false, nil
	}
	step.AttemptCount++

	tr, err := c.record(ctx, saga, step, result)
	if err != nil {
		return false, c.lostRace(ctx, log, err)
	}

	switch tr {
	case domain.TransitionAdvance:
		next := saga.ActiveStep()
		if next != nil && next.Status == domain.StepPending {
			if err := c.requestStep(ctx, saga, next); err != nil {
				return true, c.lostRace(ctx, log, err)
			}
		}
	case domain.TransitionCompensate:
		if err := c.compensate(context.WithoutCancel(ctx), saga, false); err != nil {
			return true, c.lostRace(ctx, log, err)
		}
	}
	return true, nil
}

// correlate finds the saga an event belongs to, or nil.
func (c *Choreography) correlate(ctx context.Context, ev InboundEvent) (*domain.Saga, error) {
	ids := []string{ev.SagaID, ev.Metadata["saga_id"]}
	for _, id := range ids {
		if id == "" {
			continue
		}
		saga, err := c.repo.Get(ctx, id)
		if err == nil {
			return saga, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("load saga: %w", err)
		}
	}

	for _, cid := range []string{ev.CorrelationID, ev.Metadata["correlation_id"]} {
		if cid == "" {
			continue
		}
		saga, err := c.repo.GetByCorrelationID(ctx, cid)
		if err == nil {
			return saga, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("load saga by correlation id: %w", err)
		}
	}
	return nil, nil
}

// lostRace turns a concurrent modification into a no-op: another delivery
// or a compensation already moved the saga on.
func (c *Choreography) lostRace(ctx context.Context, log *slog.Logger, err error) error {
	if isConflict(err) || errors.Is(err, errStepCancelled) {
		log.InfoContext(ctx, "event lost race against concurrent update")
		return nil
	}
	return err
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
