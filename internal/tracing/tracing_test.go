package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestManager_Disabled(t *testing.T) {
	tm := NewManager(DefaultConfig(), quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestManager_StdoutExporter(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	cfg := DefaultConfig()
	cfg.Enabled = true
	tm := NewManager(cfg, quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.NotNil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	recorder := newRecorder(t)

	ctx, span := StartSpan(context.Background(), "sender.send", AttrPeer.String("bob"))
	assert.NotEmpty(t, TraceID(ctx))
	fields := LogFields(ctx)
	assert.Contains(t, fields, "trace_id")
	assert.Contains(t, fields, "span_id")

	AddSpanAttributes(ctx, AttrMessageID.Int64(7))
	RecordError(ctx, errors.New("connection refused"))
	RecordError(ctx, nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "sender.send", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Events(), 1)

	attrs := map[string]bool{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = true
	}
	assert.True(t, attrs[string(AttrPeer)])
	assert.True(t, attrs[string(AttrMessageID)])
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	assert.Empty(t, LogFields(context.Background()))
}
