package kafka

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/utafrali/saga-orchestrator/pkg/kafka"

// headerCarrier exposes kafka message headers as a propagation carrier.
type headerCarrier struct {
	headers *[]kafka.Header
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i := range *c.headers {
		if (*c.headers)[i].Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func eventAttributes(topic string, event *Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", topic),
		attribute.String("saga.id", event.SagaID),
		attribute.String("saga.event_type", event.EventType),
	}
}

// startPublishSpan starts a producer span for event and writes its
// context into msg so consumers continue the same trace.
func startPublishSpan(ctx context.Context, msg *kafka.Message, event *Event) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, msg.Topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(eventAttributes(msg.Topic, event)...),
	)
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})
	return ctx, span
}

// startProcessSpan continues the trace carried by msg with a consumer
// span covering every handler attempt.
func startProcessSpan(ctx context.Context, msg *kafka.Message, event *Event, group string) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
	attrs := append(eventAttributes(msg.Topic, event),
		attribute.String("messaging.consumer.group.name", group),
		attribute.String("messaging.kafka.offset", strconv.FormatInt(msg.Offset, 10)),
		attribute.Int("messaging.kafka.partition", msg.Partition),
	)
	return otel.Tracer(tracerName).Start(ctx, msg.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
