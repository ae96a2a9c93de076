package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// DLQTopicPrefix prefixes every dead-letter topic.
const DLQTopicPrefix = TopicPrefix + ".dlq"

// Reasons a message is parked on the dead-letter topic.
const (
	DLQReasonMalformed = "malformed"
	DLQReasonExhausted = "retries_exhausted"
)

// DeadLetter describes an inbound message the consumer gave up on.
type DeadLetter struct {
	Message kafka.Message
	Group   string
	Reason  string
	Cause   error

	// Known only when the payload decoded.
	SagaID    string
	EventType string
}

// DLQProducer parks undeliverable saga events on <prefix>.<topic>.
type DLQProducer struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewDLQProducer creates a synchronous dead-letter producer.
func NewDLQProducer(brokers []string, logger *slog.Logger) *DLQProducer {
	return &DLQProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              1,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
		now:    time.Now,
	}
}

// DLQTopic returns the dead-letter topic for a source topic.
func DLQTopic(originalTopic string) string {
	return DLQTopicPrefix + "." + originalTopic
}

func (dl DeadLetter) headers(failedAt time.Time) []kafka.Header {
	msg := dl.Message
	h := make([]kafka.Header, 0, len(msg.Headers)+8)
	h = append(h, msg.Headers...)
	h = append(h,
		kafka.Header{Key: "dlq.original_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq.original_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "dlq.original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "dlq.consumer_group", Value: []byte(dl.Group)},
		kafka.Header{Key: "dlq.reason", Value: []byte(dl.Reason)},
		kafka.Header{Key: "dlq.failed_at", Value: []byte(failedAt.UTC().Format(time.RFC3339Nano))},
	)
	if dl.Cause != nil {
		h = append(h, kafka.Header{Key: "dlq.error", Value: []byte(dl.Cause.Error())})
	}
	if dl.SagaID != "" {
		h = append(h, kafka.Header{Key: "saga_id", Value: []byte(dl.SagaID)})
	}
	return h
}

// Publish writes dl to its dead-letter topic. Messages of a known saga are
// keyed by the saga id so they stay ordered next to the saga's events.
func (d *DLQProducer) Publish(ctx context.Context, dl DeadLetter) error {
	topic := DLQTopic(dl.Message.Topic)
	key := dl.Message.Key
	if dl.SagaID != "" {
		key = []byte(dl.SagaID)
	}

	log := d.logger.With(
		slog.String("dlq_topic", topic),
		slog.String("reason", dl.Reason),
		slog.String("saga_id", dl.SagaID),
		slog.String("event_type", dl.EventType),
		slog.Int("partition", dl.Message.Partition),
		slog.Int64("offset", dl.Message.Offset),
	)

	err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   dl.Message.Value,
		Headers: dl.headers(d.now()),
	})
	if err != nil {
		log.ErrorContext(ctx, "dead-letter publish failed", slog.String("error", err.Error()))
		return fmt.Errorf("publish to DLQ %s: %w", topic, err)
	}
	log.WarnContext(ctx, "saga event dead-lettered")
	return nil
}

// Close closes the underlying writer.
func (d *DLQProducer) Close() error {
	return d.writer.Close()
}
