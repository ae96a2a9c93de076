package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records written messages instead of talking to a broker.
type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// --- Event tests ---

func TestNewEvent_Fields(t *testing.T) {
	type StepData struct {
		StepID string `json:"step_id"`
		Number int    `json:"step_number"`
	}

	data := StepData{StepID: "create_user", Number: 1}
	event, err := NewEvent("saga.step.completed", "saga-123", "saga-orchestrator", data)
	require.NoError(t, err)

	assert.NotEmpty(t, event.EventID, "EventID should be a non-empty UUID")
	assert.Equal(t, "saga.step.completed", event.EventType)
	assert.Equal(t, "saga-123", event.SagaID)
	assert.Equal(t, "saga-orchestrator", event.Source)
	assert.Equal(t, EnvelopeVersion, event.Version)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, 2*time.Second)
	assert.NotNil(t, event.Metadata)

	var roundTripped StepData
	require.NoError(t, json.Unmarshal(event.Data, &roundTripped))
	assert.Equal(t, data, roundTripped)
}

func TestNewEvent_InvalidData(t *testing.T) {
	// Channels are not serializable to JSON.
	_, err := NewEvent("test.event", "saga-1", "test-service", make(chan int))
	require.Error(t, err)
}

func TestEvent_Marshal_Unmarshal(t *testing.T) {
	original, err := NewEvent("saga.started", "saga-456", "saga-orchestrator", map[string]string{"pattern": "orchestration"})
	require.NoError(t, err)
	original.CorrelationID = "corr-abc"
	original.Metadata["tenant"] = "acme"

	bytes, err := original.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalEvent(bytes)
	require.NoError(t, err)

	assert.Equal(t, original.EventID, restored.EventID)
	assert.Equal(t, original.EventType, restored.EventType)
	assert.Equal(t, original.SagaID, restored.SagaID)
	assert.Equal(t, original.CorrelationID, restored.CorrelationID)
	assert.Equal(t, original.Metadata, restored.Metadata)
	assert.JSONEq(t, string(original.Data), string(restored.Data))
	assert.WithinDuration(t, original.Timestamp, restored.Timestamp, time.Millisecond)
}

func TestEvent_WithCorrelationIDAndMetadata(t *testing.T) {
	event := &Event{EventID: "e-1"}
	result := event.WithCorrelationID("corr-xyz").WithMetadata("k", "v")
	assert.Same(t, event, result)
	assert.Equal(t, "corr-xyz", event.CorrelationID)
	assert.Equal(t, "v", event.Metadata["k"])
}

func TestEvent_UnmarshalData_Invalid(t *testing.T) {
	event := &Event{Data: json.RawMessage(`not valid json`)}
	var target map[string]string
	require.Error(t, event.UnmarshalData(&target))
}

func TestUnmarshalEvent_Invalid(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{broken json`))
	require.Error(t, err)

	_, err = UnmarshalEvent([]byte(`{"saga_id":"saga-1","data":{}}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestUnmarshalEvent_MinimalParticipantEvent(t *testing.T) {
	e, err := UnmarshalEvent([]byte(`{"event_type":"payment.charged","saga_id":"saga-1"}`))
	require.NoError(t, err)

	assert.Equal(t, "payment.charged", e.EventType)
	assert.Empty(t, e.EventID)
	assert.JSONEq(t, `{}`, string(e.Data))
}

// --- ProducerConfig and topic tests ---

func TestDefaultProducerConfig(t *testing.T) {
	brokers := []string{"broker1:9092", "broker2:9092"}
	cfg := DefaultProducerConfig(brokers)

	assert.Equal(t, brokers, cfg.Brokers)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "saga", TopicPrefix)
	assert.Equal(t, "saga.lifecycle", Topic("lifecycle"))
	assert.Equal(t, "saga.events.inbound", Topic("events", "inbound"))
}

// --- Producer tests ---

func TestNewProducer_CreatesInstance(t *testing.T) {
	p := NewProducer(DefaultProducerConfig([]string{"localhost:19092"}), testLogger(), nil)
	require.NotNil(t, p)
	assert.Equal(t, []string{"localhost:19092"}, p.brokers)
	assert.NoError(t, p.Close())
}

func TestProducer_Publish_WritesKeyAndHeaders(t *testing.T) {
	w := &fakeWriter{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := &Producer{writer: w, logger: testLogger(), metrics: metrics}

	event, err := NewEvent("saga.completed", "saga-9", "saga-orchestrator", nil)
	require.NoError(t, err)
	event.WithCorrelationID("corr-9")

	require.NoError(t, p.Publish(context.Background(), "saga.lifecycle", event))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "saga.lifecycle", msgs[0].Topic)
	assert.Equal(t, "saga-9", string(msgs[0].Key))
	assert.Equal(t, "saga.completed", headerValue(msgs[0], "event_type"))
	assert.Equal(t, "corr-9", headerValue(msgs[0], "correlation_id"))
	assert.Equal(t, "saga-9", headerValue(msgs[0], "saga_id"))

	decoded, err := UnmarshalEvent(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, decoded.EventID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProducerMessagesPublished.WithLabelValues("saga.lifecycle")))
}

func TestProducer_Publish_Error(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	metrics := NewMetrics(prometheus.NewRegistry())
	p := &Producer{writer: w, logger: testLogger(), metrics: metrics}

	event, err := NewEvent("saga.failed", "saga-1", "saga-orchestrator", nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), "saga.lifecycle", event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish event to saga.lifecycle")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProducerPublishErrors.WithLabelValues("saga.lifecycle")))
	assert.Zero(t, testutil.ToFloat64(metrics.ProducerMessagesPublished.WithLabelValues("saga.lifecycle")))
}

func TestEventMessage_OmitsEmptyRoutingHeaders(t *testing.T) {
	event, err := NewEvent("saga.started", "", "saga-orchestrator", nil)
	require.NoError(t, err)

	msg, err := eventMessage("saga.lifecycle", event)
	require.NoError(t, err)

	assert.Empty(t, msg.Key)
	assert.Len(t, msg.Headers, 2)
	assert.Empty(t, headerValue(msg, "saga_id"))
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	err := PingBrokers(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers configured")
}

func TestPingBrokers_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	err := PingBrokers(ctx, []string{"127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all brokers unreachable")
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
