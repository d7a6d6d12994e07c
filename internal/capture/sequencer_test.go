package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scriptedBackend returns a canned Result per label and optionally writes
// the artifact.
type scriptedBackend struct {
	mu      sync.Mutex
	results map[string]Result
	writes  map[string]bool
	block   bool
	calls   []string
}

func (b *scriptedBackend) CommandLine(a Attempt) string {
	return "fake --profile " + a.Candidate.Label
}

func (b *scriptedBackend) Capture(ctx context.Context, a Attempt, _ Reporter) (Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, a.Candidate.Label)
	b.mu.Unlock()

	if b.block {
		<-ctx.Done()
		return Result{}, context.Cause(ctx)
	}
	if b.writes[a.Candidate.Label] {
		if err := os.WriteFile(a.ArtifactPath, []byte("{}"), 0o600); err != nil {
			return Result{}, err
		}
	}
	return b.results[a.Candidate.Label], nil
}

func (b *scriptedBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type countingObserver struct {
	mu        sync.Mutex
	kinds     []OutcomeKind
	fallbacks int
}

func (o *countingObserver) AttemptFinished(_ Candidate, kind OutcomeKind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
}

func (o *countingObserver) FallbackTaken(Candidate, Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks++
}

func newTestSequencer(b Backend, obs Observer) *Sequencer {
	return NewSequencer(SequencerConfig{
		Backends: map[BackendKind]Backend{BackendTool: b},
		Observer: obs,
		Logger:   zerolog.Nop(),
	})
}

func baseAttempt(t *testing.T) Attempt {
	dir := t.TempDir()
	id := "20240101000000_000"
	return Attempt{
		Request:      Request{Seconds: 1, PID: 1},
		ID:           id,
		OutputBase:   filepath.Join(dir, id),
		ArtifactPath: filepath.Join(dir, id+".speedscope.json"),
	}
}

func toolCandidates(labels ...string) []Candidate {
	out := make([]Candidate, 0, len(labels))
	for _, l := range labels {
		out = append(out, Candidate{Backend: BackendTool, Label: l})
	}
	return out
}

func TestSequencer_FallsBackOnUnsupported(t *testing.T) {
	b := &scriptedBackend{
		results: map[string]Result{
			"A": {ExitCode: 1, Stderr: "Error: Invalid profile name: A"},
			"B": {ExitCode: 0},
		},
		writes: map[string]bool{"B": true},
	}
	obs := &countingObserver{}
	rep := &recorder{}

	out, err := newTestSequencer(b, obs).Run(context.Background(), baseAttempt(t), toolCandidates("A", "B"), rep)
	require.NoError(t, err)

	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, "B", out.Candidate.Label)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []string{"A", "B"}, b.Calls())
	assert.FileExists(t, out.ArtifactPath)

	// Only the first command line is echoed.
	assert.Equal(t, []string{"$ fake --profile A"}, rep.LogTexts())
	assert.Equal(t, []string{`profile "A" unsupported, retrying with "B"`}, rep.Notes())
	assert.Equal(t, []OutcomeKind{UnsupportedConfiguration, Success}, obs.kinds)
	assert.Equal(t, 1, obs.fallbacks)
}

func TestSequencer_SingleCandidateFailure(t *testing.T) {
	b := &scriptedBackend{results: map[string]Result{
		"A": {ExitCode: 3, Stderr: "l1\nl2\n"},
	}}
	out, err := newTestSequencer(b, nil).Run(context.Background(), baseAttempt(t), toolCandidates("A"), &recorder{})
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailure, out.Kind)
	assert.Equal(t, "trace failed, exit code: 3", out.FailureText())
	assert.Equal(t, []string{"l1", "l2"}, out.StderrTail(StderrTailLines))
	assert.Equal(t, []string{"A"}, b.Calls())
}

func TestSequencer_FailureStopsWithoutFallback(t *testing.T) {
	b := &scriptedBackend{results: map[string]Result{
		"A": {ExitCode: 2, Stderr: "permission denied"},
		"B": {ExitCode: 0},
	}}
	out, err := newTestSequencer(b, nil).Run(context.Background(), baseAttempt(t), toolCandidates("A", "B"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailure, out.Kind)
	assert.Equal(t, []string{"A"}, b.Calls())
}

func TestSequencer_StartFailureIsFatal(t *testing.T) {
	b := &scriptedBackend{results: map[string]Result{
		"A": StartFailure("exec: not found"),
	}}
	out, err := newTestSequencer(b, nil).Run(context.Background(), baseAttempt(t), toolCandidates("A", "B"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, StartFailed, out.Kind)
	assert.Equal(t, "failed: exec: not found", out.FailureText())
	assert.Equal(t, []string{"A"}, b.Calls())
}

func TestSequencer_UnsupportedExhausted(t *testing.T) {
	msg := "Profile does not apply to `dotnet-trace collect`"
	b := &scriptedBackend{results: map[string]Result{
		"A": {ExitCode: 1, Stdout: msg},
		"B": {ExitCode: 1, Stdout: msg},
	}}
	out, err := newTestSequencer(b, nil).Run(context.Background(), baseAttempt(t), toolCandidates("A", "B"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, UnsupportedConfiguration, out.Kind)
	assert.Equal(t, "trace failed: no supported profile (B)", out.FailureText())
}

func TestSequencer_ArtifactMissing(t *testing.T) {
	b := &scriptedBackend{results: map[string]Result{"A": {ExitCode: 0}}}
	base := baseAttempt(t)
	out, err := newTestSequencer(b, nil).Run(context.Background(), base, toolCandidates("A"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, ArtifactMissing, out.Kind)
	assert.Equal(t, "not exists: "+base.ArtifactPath, out.FailureText())
}

func TestSequencer_StaleArtifactIgnored(t *testing.T) {
	base := baseAttempt(t)
	require.NoError(t, os.WriteFile(base.ArtifactPath, []byte("{}"), 0o600))

	b := &scriptedBackend{results: map[string]Result{"A": {ExitCode: 0}}}
	out, err := newTestSequencer(b, nil).Run(context.Background(), base, toolCandidates("A"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, ArtifactMissing, out.Kind)
}

func TestSequencer_Cancelled(t *testing.T) {
	b := &scriptedBackend{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := newTestSequencer(b, nil).Run(ctx, baseAttempt(t), toolCandidates("A", "B"), &recorder{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"A"}, b.Calls())
}

func TestSequencer_ReporterGone(t *testing.T) {
	b := &scriptedBackend{results: map[string]Result{"A": {ExitCode: 0}}}
	_, err := newTestSequencer(b, nil).Run(context.Background(), baseAttempt(t), toolCandidates("A"), failingRecorder(0))
	assert.ErrorIs(t, err, errReporterClosed)
	assert.Empty(t, b.Calls())
}

func TestSequencer_NoCandidates(t *testing.T) {
	_, err := newTestSequencer(&scriptedBackend{}, nil).Run(context.Background(), baseAttempt(t), nil, &recorder{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSequencer_UnknownBackend(t *testing.T) {
	s := newTestSequencer(&scriptedBackend{}, nil)
	out, err := s.Run(context.Background(), baseAttempt(t),
		[]Candidate{{Backend: BackendSession, Label: "runtime"}}, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, StartFailed, out.Kind)
}

func TestSequencer_CustomPhrases(t *testing.T) {
	s := NewSequencer(SequencerConfig{UnsupportedPhrases: []string{"  Unknown Provider "}, Logger: zerolog.Nop()})
	assert.True(t, s.Unsupported(Result{Stderr: "error: unknown provider foo"}))
	assert.False(t, s.Unsupported(Result{Stderr: "invalid profile name"}))
}

func TestSequencer_AttemptSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := &scriptedBackend{
		results: map[string]Result{
			"A": {ExitCode: 1, Stderr: "Error: Invalid profile name: A"},
			"B": {ExitCode: 0},
		},
		writes: map[string]bool{"B": true},
	}
	seq := NewSequencer(SequencerConfig{
		Backends:       map[BackendKind]Backend{BackendTool: b},
		TracerProvider: tp,
		Logger:         zerolog.Nop(),
	})

	_, err := seq.Run(context.Background(), baseAttempt(t), toolCandidates("A", "B"), &recorder{})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	want := []struct {
		label, outcome string
		status         codes.Code
	}{
		{"A", "unsupported", codes.Error},
		{"B", "success", codes.Unset},
	}
	for i, w := range want {
		span := spans[i]
		assert.Equal(t, "capture.attempt", span.Name())
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		assert.Equal(t, w.label, attrs["capture.label"].AsString())
		assert.Equal(t, w.outcome, attrs["capture.outcome"].AsString())
		assert.Equal(t, int64(i), attrs["capture.index"].AsInt64())
		assert.Equal(t, w.status, span.Status().Code)
	}
}
