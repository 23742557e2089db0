package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := TraceRun(context.Background(), Tracer(p), "b1", 2)
	assert.False(t, span.IsRecording())
	span.End()

	_, span = TraceFile(context.Background(), Tracer(nil), "/var/log/messages")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestEnabledProviderWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: true, SampleRate: 1})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := TraceForward(context.Background(), Tracer(p), "tcp", 3)
	assert.True(t, span.IsRecording())
	span.End()
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	ctx, run := TraceRun(context.Background(), tracer, "b1", 1)
	_, process := TraceProcess(ctx, tracer, "web01", 2)
	process.End()
	_, spool := TraceSpool(ctx, tracer, "load")
	spool.End()
	RecordError(ctx, errors.New("run interrupted"))
	run.End()

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "logwatch.process", ended[0].Name())
	assert.Equal(t, "spool.load", ended[1].Name())
	assert.Equal(t, "logwatch.run", ended[2].Name())
	assert.Len(t, ended[2].Events(), 1)
	assert.Equal(t, ended[2].SpanContext().TraceID(), ended[0].Parent().TraceID())
}
