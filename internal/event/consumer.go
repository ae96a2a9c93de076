package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/saga-orchestrator/internal/service"
	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
	pkgkafka "github.com/utafrali/saga-orchestrator/pkg/kafka"
	"github.com/utafrali/saga-orchestrator/pkg/retry"
)

// ConsumerGroupID is the consumer group of the inbound event consumer.
const ConsumerGroupID = "saga-orchestrator"

// EventHandler applies a participant event. *service.Choreography
// implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev service.InboundEvent) (*service.EventReceipt, error)
}

// ConsumerHandler feeds inbound Kafka events to the choreography engine.
type ConsumerHandler struct {
	events EventHandler
	logger *slog.Logger
}

// NewConsumerHandler creates a new event consumer handler.
func NewConsumerHandler(events EventHandler, logger *slog.Logger) *ConsumerHandler {
	return &ConsumerHandler{
		events: events,
		logger: logger,
	}
}

// Handle converts the envelope and hands it over. Malformed payloads are
// permanent failures and go straight to the DLQ.
func (h *ConsumerHandler) Handle(ctx context.Context, event *pkgkafka.Event) error {
	ev, err := service.NewInboundEvent(event.EventType, event.Data)
	if err != nil {
		return retry.Permanent(fmt.Errorf("decode %s event %s: %w", event.EventType, event.EventID, err))
	}

	// Envelope fields win over the ones found in the payload.
	if event.EventID != "" {
		ev.EventID = event.EventID
	}
	if event.SagaID != "" {
		ev.SagaID = event.SagaID
	}
	if event.CorrelationID != "" {
		ev.CorrelationID = event.CorrelationID
	}
	if len(event.Metadata) > 0 {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, len(event.Metadata))
		}
		for k, v := range event.Metadata {
			ev.Metadata[k] = v
		}
	}

	receipt, err := h.events.HandleEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			return retry.Permanent(err)
		}
		return err
	}

	h.logger.DebugContext(ctx, "inbound event handled",
		slog.String("event_id", receipt.EventID),
		slog.String("event_type", receipt.Type),
		slog.String("source", event.Source),
	)
	return nil
}

// NewConsumer creates the consumer of the inbound event topic. dlq and
// metrics may be nil.
func NewConsumer(brokers []string, handler *ConsumerHandler, dlq *pkgkafka.DLQProducer, metrics *pkgkafka.Metrics, logger *slog.Logger) *pkgkafka.Consumer {
	cfg := pkgkafka.ConsumerConfig{
		Brokers:  brokers,
		GroupID:  ConsumerGroupID,
		Topic:    TopicInbound,
		MinBytes: 1,
		MaxBytes: 10e6,
		Retry:    pkgkafka.DefaultHandlerRetry(),
	}
	return pkgkafka.NewConsumer(cfg, handler.Handle, dlq, metrics, logger)
}
