package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{})
	require.NoError(t, err)

	assert.False(t, tel.Enabled())
	assert.Equal(t, otel.GetTracerProvider(), tel.TracerProvider())
	assert.NoError(t, tel.Shutdown(context.Background(), time.Second))
}

func TestNew_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	tel, err := New(context.Background(), Config{
		Enabled:        true,
		Exporter:       ExporterStdout,
		ServiceName:    "traceme-test",
		ServiceVersion: "v0.0.1",
		SampleRate:     1,
		Output:         &buf,
	})
	require.NoError(t, err)
	require.True(t, tel.Enabled())

	_, span := tel.TracerProvider().Tracer("test").Start(context.Background(), "capture.attempt")
	assert.True(t, span.IsRecording())
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tel.Shutdown(context.Background(), 5*time.Second))
	assert.Contains(t, buf.String(), `"Name":"capture.attempt"`)
	assert.Contains(t, buf.String(), "traceme-test")
}

func TestNew_NeverSample(t *testing.T) {
	var buf bytes.Buffer
	tel, err := New(context.Background(), Config{Enabled: true, Exporter: ExporterStdout, Output: &buf})
	require.NoError(t, err)

	_, span := tel.TracerProvider().Tracer("test").Start(context.Background(), "dropped")
	assert.False(t, span.IsRecording())
	span.End()

	require.NoError(t, tel.Shutdown(context.Background(), 5*time.Second))
	assert.Empty(t, buf.String())
}

func TestNew_OTLPExporter(t *testing.T) {
	tel, err := New(context.Background(), Config{
		Enabled:    true,
		Exporter:   ExporterOTLP,
		Endpoint:   "127.0.0.1:4317",
		Insecure:   true,
		SampleRate: 0.5,
	})
	require.NoError(t, err)
	assert.True(t, tel.Enabled())
	assert.NoError(t, tel.Shutdown(context.Background(), 5*time.Second))
}

func TestNew_UnknownExporter(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true, Exporter: "zipkin"})
	assert.ErrorContains(t, err, `unknown trace exporter "zipkin"`)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Equal(t, "TraceIDRatioBased{0.25}", sampler(0.25).Description())
}
