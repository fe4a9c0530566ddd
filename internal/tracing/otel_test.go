package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan_AdoptsSpanTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "mnemosync-test", ServiceVersion: "0.0.0"}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx := WithAgentID(context.Background(), "assistant")
	ctx, span := StartSpan(ctx, "test", "apply")
	defer span.End()

	require.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	assert.Equal(t, "assistant", GetAgentID(ctx))
}

func TestStartSpan_KeepsExistingTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx := NewReportContext(context.Background(), "assistant", "laptop", "r-1")
	traceID := GetTraceID(ctx)

	ctx, span := StartSpan(ctx, "test", "submit")
	defer span.End()
	assert.Equal(t, traceID, GetTraceID(ctx))
}

func TestOpenTelemetry_ReinitAfterShutdown(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{}))
	require.NoError(t, InitOpenTelemetry(Options{}), "second init is a no-op")
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()), "shutdown without provider is a no-op")

	require.NoError(t, InitOpenTelemetry(Options{SampleRatio: 0.5}))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
