package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMessageRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled}))

	msg := Message(ctx, EventMeta{EventID: "evt-1", EventType: "appointment.booked", AggregateType: "appointment"}, "appt-1", []byte(`{}`))
	assert.Equal(t, "appointment.booked", msg.Topic)
	assert.Equal(t, "appt-1", string(msg.Key))

	meta := ExtractEventMeta(msg)
	assert.Equal(t, EventMeta{EventID: "evt-1", EventType: "appointment.booked", AggregateType: "appointment"}, meta)

	sc := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), msg))
	require.True(t, sc.IsValid())
	assert.Equal(t, tid, sc.TraceID())
}

func TestExtractEventMetaFallsBackToKeyAndTopic(t *testing.T) {
	meta := ExtractEventMeta(kafka.Message{Topic: "availability.opened", Key: []byte("appt-1")})
	assert.Equal(t, "appt-1", meta.EventID)
	assert.Equal(t, "availability.opened", meta.EventType)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, SplitBrokers(""))
}
