package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/utafrali/saga-orchestrator/internal/domain"
	pkgkafka "github.com/utafrali/saga-orchestrator/pkg/kafka"
)

// Kafka topics used by the orchestrator.
var (
	TopicLifecycle = pkgkafka.Topic("lifecycle")
	TopicInbound   = pkgkafka.Topic("events", "inbound")
)

// SourceOrchestrator identifies events published by this service.
const SourceOrchestrator = "saga-orchestrator"

// SagaEventData is the payload of every lifecycle event.
type SagaEventData struct {
	SagaID          string         `json:"saga_id"`
	TransactionType string         `json:"transaction_type,omitempty"`
	Pattern         domain.Pattern `json:"pattern"`
	Status          string         `json:"status"`
	CurrentStep     int            `json:"current_step"`
	TotalSteps      int            `json:"total_steps"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Step            *StepEventData `json:"step,omitempty"`
}

// StepEventData describes the step an event is about.
type StepEventData struct {
	StepNumber int             `json:"step_number"`
	StepID     string          `json:"step_id"`
	Action     string          `json:"action"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// StepRequestedData asks a choreography participant to run a step.
type StepRequestedData struct {
	SagaID        string          `json:"saga_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	StepNumber    int             `json:"step_number"`
	StepID        string          `json:"step_id"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
}

type publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes saga lifecycle events. Without a Kafka producer it
// only logs them.
type Producer struct {
	kafka  publisher
	logger *slog.Logger
}

// NewProducer creates a lifecycle event producer. kafka may be nil.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	p := &Producer{logger: logger}
	if kafka != nil {
		p.kafka = kafka
	}
	return p
}

// PublishSagaEvent publishes eventType for saga, optionally about one step.
func (p *Producer) PublishSagaEvent(ctx context.Context, eventType string, saga *domain.Saga, step *domain.SagaStep) error {
	data := SagaEventData{
		SagaID:          saga.ID,
		TransactionType: saga.TransactionType,
		Pattern:         saga.Pattern,
		Status:          string(saga.Status),
		CurrentStep:     saga.CurrentStep,
		TotalSteps:      saga.TotalSteps,
		ErrorMessage:    saga.ErrorMessage,
	}
	if step != nil {
		data.Step = &StepEventData{
			StepNumber: step.StepNumber,
			StepID:     step.StepID,
			Action:     step.Action,
			Status:     string(step.Status),
			Error:      step.Error,
			Payload:    step.ResponsePayload,
		}
	}
	return p.publish(ctx, eventType, saga, data)
}

// PublishStepRequested publishes <action>.requested for the next
// choreography step.
func (p *Producer) PublishStepRequested(ctx context.Context, saga *domain.Saga, step *domain.SagaStep) error {
	data := StepRequestedData{
		SagaID:        saga.ID,
		CorrelationID: saga.CorrelationID,
		StepNumber:    step.StepNumber,
		StepID:        step.StepID,
		Action:        step.Action,
		Payload:       step.RequestPayload,
		InputData:     saga.InputData,
	}
	return p.publish(ctx, domain.RequestedEvent(step.Action), saga, data)
}

func (p *Producer) publish(ctx context.Context, eventType string, saga *domain.Saga, data any) error {
	if p.kafka == nil {
		p.logger.DebugContext(ctx, "event publishing disabled, dropping event",
			slog.String("event_type", eventType),
			slog.String("saga_id", saga.ID),
		)
		return nil
	}

	event, err := pkgkafka.NewEvent(eventType, saga.ID, SourceOrchestrator, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}
	event.WithCorrelationID(saga.CorrelationID)
	if saga.TransactionType != "" {
		event.WithMetadata("transaction_type", saga.TransactionType)
	}

	if err := p.kafka.Publish(ctx, TopicLifecycle, event); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	p.logger.DebugContext(ctx, "published saga event",
		slog.String("event_type", eventType),
		slog.String("saga_id", saga.ID),
	)
	return nil
}
