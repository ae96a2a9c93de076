package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the producer and consumer instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// ConsumerMessagesProcessed counts the total number of successfully processed messages.
	ConsumerMessagesProcessed *prometheus.CounterVec

	// ConsumerMessagesFailed counts the total number of messages that exhausted retries.
	ConsumerMessagesFailed *prometheus.CounterVec

	// ConsumerProcessingDuration observes the duration of message handler execution.
	ConsumerProcessingDuration *prometheus.HistogramVec

	// ConsumerMessagesReceived counts total messages fetched from Kafka (before processing).
	ConsumerMessagesReceived *prometheus.CounterVec

	// ConsumerDLQPublished counts messages sent to DLQ.
	ConsumerDLQPublished *prometheus.CounterVec

	// ProducerMessagesPublished counts the total number of messages published.
	ProducerMessagesPublished *prometheus.CounterVec

	// ProducerPublishErrors counts the total number of publish failures.
	ProducerPublishErrors *prometheus.CounterVec

	// ProducerPublishDuration observes the duration of publish operations.
	ProducerPublishDuration *prometheus.HistogramVec
}

// NewMetrics creates the Kafka instruments and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConsumerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_consumer_messages_processed_total",
				Help: "Total number of successfully processed Kafka messages",
			},
			[]string{"topic", "consumer_group"},
		),
		ConsumerMessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_consumer_messages_failed_total",
				Help: "Total number of Kafka messages that failed all retries (sent to DLQ or dropped)",
			},
			[]string{"topic", "consumer_group"},
		),
		ConsumerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_consumer_processing_duration_seconds",
				Help:    "Duration of Kafka message processing in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "consumer_group"},
		),
		ConsumerMessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_consumer_messages_received_total",
				Help: "Total number of Kafka messages received (fetched from broker)",
			},
			[]string{"topic", "consumer_group"},
		),
		ConsumerDLQPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_consumer_dlq_published_total",
				Help: "Total number of messages published to dead-letter queue",
			},
			[]string{"topic", "consumer_group"},
		),
		ProducerMessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_producer_messages_published_total",
				Help: "Total number of Kafka messages published",
			},
			[]string{"topic"},
		),
		ProducerPublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_producer_publish_errors_total",
				Help: "Total number of Kafka publish errors",
			},
			[]string{"topic"},
		),
		ProducerPublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_producer_publish_duration_seconds",
				Help:    "Duration of Kafka publish operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConsumerMessagesProcessed,
			m.ConsumerMessagesFailed,
			m.ConsumerProcessingDuration,
			m.ConsumerMessagesReceived,
			m.ConsumerDLQPublished,
			m.ProducerMessagesPublished,
			m.ProducerPublishErrors,
			m.ProducerPublishDuration,
		)
	}
	return m
}

func (m *Metrics) observePublish(topic string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProducerPublishDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
	if err != nil {
		m.ProducerPublishErrors.WithLabelValues(topic).Inc()
		return
	}
	m.ProducerMessagesPublished.WithLabelValues(topic).Inc()
}
