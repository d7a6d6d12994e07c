package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/coral-mesh/traceme/internal/artifact"
	"github.com/coral-mesh/traceme/internal/capture"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTracing_SpansAndTraceID(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var logs syncBuffer
	reg := artifact.NewRegistry(t.TempDir())
	coord := NewCoordinator(CoordinatorConfig{
		Registry:  reg,
		Sequencer: capture.NewSequencer(capture.SequencerConfig{TracerProvider: tp, Logger: zerolog.Nop()}),
		ViewerURL: "/speedscope/index.html",
		Logger:    zerolog.Nop(),
	})
	s, err := New(Config{
		Coordinator:    coord,
		Registry:       reg,
		TracerProvider: tp,
		Logger:         zerolog.New(&logs),
	})
	require.NoError(t, err)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/profile/20240101000000_000.json", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /profile/{file}", span.Name())
	assert.Equal(t, traceID, span.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", span.Parent().SpanID().String())
	assert.Contains(t, span.Attributes(), attribute.Int("http.status_code", http.StatusNotFound))

	var accessLine string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"message":"Request"`) {
			accessLine = line
		}
	}
	require.NotEmpty(t, accessLine, logs.String())
	assert.Contains(t, accessLine, `"trace_id":"`+traceID+`"`)
}

func TestTracing_NoopProviderOmitsTraceID(t *testing.T) {
	var logs syncBuffer
	reg := artifact.NewRegistry(t.TempDir())
	coord := NewCoordinator(CoordinatorConfig{
		Registry:  reg,
		Sequencer: capture.NewSequencer(capture.SequencerConfig{Logger: zerolog.Nop()}),
		ViewerURL: "/speedscope/index.html",
		Logger:    zerolog.Nop(),
	})
	s, err := New(Config{Coordinator: coord, Registry: reg, Logger: zerolog.New(&logs)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), `"message":"Request"`)
	assert.NotContains(t, logs.String(), "trace_id")
}
