package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	parent, _ := TraceContextStrings(ctx)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", parent)

	restored := trace.SpanContextFromContext(ContextWithTraceContext(context.Background(), parent, ""))
	assert.True(t, restored.IsRemote())
	assert.Equal(t, tid, restored.TraceID())
	assert.Equal(t, sid, restored.SpanID())
}

func TestTraceContextEmpty(t *testing.T) {
	parent, state := TraceContextStrings(context.Background())
	assert.Empty(t, parent)
	assert.Empty(t, state)

	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithTraceContext(ctx, "", ""))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SAMPLING_RATIO", "2")
	cfg := ConfigFromEnv("scheduling-api")
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, 1.0, cfg.SampleRatio)

	t.Setenv("OTEL_ENABLED", "false")
	assert.Empty(t, ConfigFromEnv("scheduling-api").Endpoint)
}
