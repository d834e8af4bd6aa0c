package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "test-service"})

	require.NoError(t, err)
	assert.NotNil(t, tracer)
	assert.Nil(t, tracer.provider)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNilTracer(t *testing.T) {
	t.Parallel()

	var tracer *Tracer
	ctx, span := tracer.StartRESTSpan(context.Background(), "GET", "/gateway/bot")

	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	EndSpan(span, 200, nil)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracer_RESTSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerWithProvider("test-service", provider)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	_, span := tracer.StartRESTSpan(context.Background(), "POST", "/channels/1/messages")
	EndSpan(span, 400, errors.New("bad request"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /channels/1/messages", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.response.status_code", 400))
	assert.Contains(t, spans[0].Attributes(), attribute.String("http.route", "/channels/1/messages"))
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rate     float64
		expected string
	}{
		{name: "always", rate: 1.0, expected: "AlwaysOnSampler"},
		{name: "never", rate: 0, expected: "AlwaysOffSampler"},
		{name: "ratio", rate: 0.5, expected: "TraceIDRatioBased{0.5}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, createSampler(tt.rate).Description())
		})
	}
}

func TestBuildRetryConfig(t *testing.T) {
	t.Parallel()

	defaults := buildRetryConfig(nil)
	assert.True(t, defaults.Enabled)
	assert.Equal(t, DefaultOTLPRetryInitialInterval, defaults.InitialInterval)
	assert.Equal(t, DefaultOTLPRetryMaxInterval, defaults.MaxInterval)
	assert.Equal(t, DefaultOTLPRetryMaxElapsedTime, defaults.MaxElapsedTime)

	custom := buildRetryConfig(&OTLPRetryConfig{Enabled: true, InitialInterval: 2 * time.Second})
	assert.Equal(t, 2*time.Second, custom.InitialInterval)
	assert.Equal(t, DefaultOTLPRetryMaxInterval, custom.MaxInterval)
}

func TestBuildOTLPExporterOptions(t *testing.T) {
	t.Parallel()

	opts := buildOTLPExporterOptions(TracerConfig{ServiceName: "avacord", OTLPEndpoint: "localhost:4317"})
	assert.Len(t, opts, 6)
}
