package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/utafrali/saga-orchestrator/pkg/retry"
)

// TopicPrefix is the standard prefix for all orchestrator Kafka topics.
const TopicPrefix = "saga"

// Topic constructs a fully-qualified topic name.
func Topic(parts ...string) string {
	return TopicPrefix + "." + strings.Join(parts, ".")
}

// Handler is a function that processes a Kafka event.
type Handler func(ctx context.Context, event *Event) error

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int

	// Retry bounds how often a failing handler is re-run for one message
	// before the message goes to the DLQ (poison pill protection).
	Retry retry.Config
}

// DefaultHandlerRetry returns the handler retry policy: 3 attempts,
// 100ms then 200ms apart.
func DefaultHandlerRetry() retry.Config {
	return retry.Config{
		MaxAttempts:     3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
	}
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer wraps the kafka-go reader for consuming events.
type Consumer struct {
	reader    messageReader
	topic     string
	group     string
	retry     retry.Config
	logger    *slog.Logger
	handler   Handler
	dlq       *DLQProducer
	metrics   *Metrics
	closeOnce sync.Once
}

// NewConsumer creates a new Kafka consumer for a specific topic and group.
// dlq and metrics may be nil.
func NewConsumer(cfg ConsumerConfig, handler Handler, dlq *DLQProducer, metrics *Metrics, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	return newConsumer(r, cfg, handler, dlq, metrics, logger)
}

func newConsumer(r messageReader, cfg ConsumerConfig, handler Handler, dlq *DLQProducer, metrics *Metrics, logger *slog.Logger) *Consumer {
	rc := cfg.Retry
	if rc.MaxAttempts == 0 {
		rc = DefaultHandlerRetry()
	}
	return &Consumer{
		reader:  r,
		topic:   cfg.Topic,
		group:   cfg.GroupID,
		retry:   rc,
		logger:  logger,
		handler: handler,
		dlq:     dlq,
		metrics: metrics,
	}
}

// Start begins consuming messages. It blocks until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.topic),
		slog.String("group", c.group),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", slog.String("topic", c.topic))
				return c.Close()
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			continue
		}

		c.process(ctx, msg)
	}
}

// process handles one message and always commits it: either it was handled,
// it was malformed, or it was parked on the DLQ.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	if c.metrics != nil {
		c.metrics.ConsumerMessagesReceived.WithLabelValues(msg.Topic, c.group).Inc()
	}

	event, err := UnmarshalEvent(msg.Value)
	if err != nil {
		c.logger.Error("failed to unmarshal event",
			slog.String("error", err.Error()),
			slog.String("topic", msg.Topic),
		)
		c.deadLetter(ctx, DeadLetter{Message: msg, Reason: DLQReasonMalformed, Cause: fmt.Errorf("unmarshal event: %w", err)})
		c.commit(ctx, msg)
		return
	}

	handlerCtx, span := startProcessSpan(ctx, &msg, event, c.group)
	rc := c.retry
	rc.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("handler failed, will retry",
			slog.String("event_type", event.EventType),
			slog.String("saga_id", event.SagaID),
			slog.String("error", err.Error()),
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", rc.MaxAttempts),
		)
	}

	start := time.Now()
	err = retry.Do(handlerCtx, rc, func(ctx context.Context, _ int) error {
		return c.handler(ctx, event)
	})
	endSpan(span, err)
	if c.metrics != nil {
		c.metrics.ConsumerProcessingDuration.WithLabelValues(msg.Topic, c.group).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the message uncommitted so it is redelivered.
			return
		}
		if c.metrics != nil {
			c.metrics.ConsumerMessagesFailed.WithLabelValues(msg.Topic, c.group).Inc()
		}
		c.logger.Error("handler failed after all retries, skipping poison message",
			slog.String("event_type", event.EventType),
			slog.String("saga_id", event.SagaID),
			slog.String("error", err.Error()),
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
		)
		c.deadLetter(ctx, DeadLetter{
			Message:   msg,
			Reason:    DLQReasonExhausted,
			Cause:     err,
			SagaID:    event.SagaID,
			EventType: event.EventType,
		})
		c.commit(ctx, msg)
		return
	}

	if c.metrics != nil {
		c.metrics.ConsumerMessagesProcessed.WithLabelValues(msg.Topic, c.group).Inc()
	}
	c.commit(ctx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, dl DeadLetter) {
	if c.dlq == nil {
		return
	}
	dl.Group = c.group
	if err := c.dlq.Publish(ctx, dl); err != nil {
		return
	}
	if c.metrics != nil {
		c.metrics.ConsumerDLQPublished.WithLabelValues(dl.Message.Topic, c.group).Inc()
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("failed to commit message", slog.String("error", err.Error()))
	}
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
