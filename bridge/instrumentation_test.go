package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ragtag/mcplink/instrumentation"
)

func TestRegistry_CallSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	r := fakeRegistry(t, Options{Instrumentation: inst})
	ctx := context.Background()

	require.False(t, r.Call(ctx, prefix+"echo", map[string]any{"text": "hi"}).IsError)
	require.True(t, r.Call(ctx, prefix+"fail", nil).IsError)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "fake", attrs[instrumentation.AttrBridgeServer])
	assert.Equal(t, "echo", attrs[instrumentation.AttrBridgeTool])
	assert.Equal(t, "1", attrs[instrumentation.AttrBridgeRequestID])
	assert.Equal(t, "success", attrs[instrumentation.AttrBridgeResult])
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "Server error: boom", spans[1].Status().Description)
}
