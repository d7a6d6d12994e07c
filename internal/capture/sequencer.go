package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cleanup "github.com/coral-mesh/traceme/internal/errors"
	"github.com/coral-mesh/traceme/internal/safe"
)

// ErrNoCandidates is returned when there is nothing to attempt.
var ErrNoCandidates = errors.New("no capture candidates")

// StderrTailLines is how many trailing stderr lines accompany an execution
// failure.
const StderrTailLines = 12

// DefaultUnsupportedPhrases are the dotnet-trace messages printed when a
// profile name is not available in the installed tool version.
func DefaultUnsupportedPhrases() []string {
	return []string{
		"invalid profile name",
		"does not apply to `dotnet-trace collect`",
	}
}

// OutcomeKind classifies how a capture ended.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	StartFailed
	UnsupportedConfiguration
	ExecutionFailure
	ArtifactMissing
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case StartFailed:
		return "start_failure"
	case UnsupportedConfiguration:
		return "unsupported"
	case ExecutionFailure:
		return "execution_failure"
	case ArtifactMissing:
		return "artifact_missing"
	default:
		return "unknown"
	}
}

// Outcome is the final classification of a capture request.
type Outcome struct {
	Kind      OutcomeKind
	Candidate Candidate
	Result    Result
	// Attempts is the number of candidates tried.
	Attempts     int
	ArtifactPath string
}

// FailureText is the one-line status shown to the client for a failed
// outcome.
func (o Outcome) FailureText() string {
	switch o.Kind {
	case StartFailed:
		return "failed: " + o.Result.StartError
	case UnsupportedConfiguration:
		return fmt.Sprintf("trace failed: no supported profile (%s)", o.Candidate.Label)
	case ExecutionFailure:
		return fmt.Sprintf("trace failed, exit code: %d", o.Result.ExitCode)
	case ArtifactMissing:
		return "not exists: " + o.ArtifactPath
	default:
		return ""
	}
}

// StderrTail returns the last n non-empty lines of the failing attempt's
// stderr.
func (o Outcome) StderrTail(n int) []string {
	var lines []string
	for _, l := range strings.Split(o.Result.Stderr, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Observer receives per-attempt events.
type Observer interface {
	AttemptFinished(c Candidate, kind OutcomeKind, elapsed time.Duration)
	FallbackTaken(from, to Candidate)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(Candidate, OutcomeKind, time.Duration) {}
func (nopObserver) FallbackTaken(Candidate, Candidate)                   {}

// SequencerConfig configures a Sequencer.
type SequencerConfig struct {
	Backends           map[BackendKind]Backend
	UnsupportedPhrases []string
	Observer           Observer
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	Logger         zerolog.Logger
}

// Sequencer tries candidates in order, falling back when a backend reports
// an unsupported configuration.
type Sequencer struct {
	backends map[BackendKind]Backend
	phrases  []string
	observer Observer
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewSequencer creates a Sequencer.
func NewSequencer(cfg SequencerConfig) *Sequencer {
	phrases := cfg.UnsupportedPhrases
	if phrases == nil {
		phrases = DefaultUnsupportedPhrases()
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Sequencer{
		backends: cfg.Backends,
		phrases:  lowered,
		observer: obs,
		tracer:   tp.Tracer("github.com/coral-mesh/traceme/internal/capture"),
		logger:   cfg.Logger.With().Str("component", "sequencer").Logger(),
	}
}

// Unsupported reports whether res carries an unsupported-configuration
// message.
func (s *Sequencer) Unsupported(res Result) bool {
	out := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	for _, p := range s.phrases {
		if strings.Contains(out, p) {
			return true
		}
	}
	return false
}

// Run attempts candidates strictly in order for base, which carries the
// request and artifact location shared by every attempt. A non-nil error
// means the request was cancelled.
func (s *Sequencer) Run(ctx context.Context, base Attempt, candidates []Candidate, rep Reporter) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{}, ErrNoCandidates
	}

	logger := s.logger.With().Str("id", base.ID).Logger()
	var out Outcome
	for i, c := range candidates {
		a := base
		a.Candidate = c
		out = Outcome{Candidate: c, Attempts: i + 1, ArtifactPath: a.ArtifactPath}

		// A leftover file from an earlier attempt must not count as output.
		cleanup.RemoveFile(logger, a.ArtifactPath)

		kind, res, err := s.attempt(ctx, i, a, rep, logger)
		if err != nil {
			return Outcome{}, err
		}
		out.Kind, out.Result = kind, res

		if kind != UnsupportedConfiguration {
			return out, nil
		}
		if i+1 == len(candidates) {
			return out, nil
		}

		next := candidates[i+1]
		logger.Info().Str("from", c.Label).Str("to", next.Label).Msg("Capture configuration unsupported, falling back")
		s.observer.FallbackTaken(c, next)
		if err := rep.Note(fmt.Sprintf("profile %q unsupported, retrying with %q", c.Label, next.Label)); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

func (s *Sequencer) attempt(ctx context.Context, i int, a Attempt, rep Reporter, logger zerolog.Logger) (OutcomeKind, Result, error) {
	ctx, span := s.tracer.Start(ctx, "capture.attempt",
		trace.WithAttributes(
			attribute.String("capture.id", a.ID),
			attribute.String("capture.backend", string(a.Candidate.Backend)),
			attribute.String("capture.label", a.Candidate.Label),
			attribute.Int("capture.index", i),
			attribute.Int("capture.seconds", a.Request.Seconds),
			attribute.Int("capture.pid", a.Request.PID),
		),
	)
	defer span.End()

	backend, ok := s.backends[a.Candidate.Backend]
	if !ok {
		res := StartFailure(fmt.Sprintf("no backend for %q", a.Candidate.Backend))
		span.SetAttributes(attribute.String("capture.outcome", StartFailed.String()))
		span.SetStatus(codes.Error, res.StartError)
		s.observer.AttemptFinished(a.Candidate, StartFailed, 0)
		return StartFailed, res, nil
	}

	if i == 0 {
		if err := rep.Log(LogLine{Source: Primary, Text: "$ " + backend.CommandLine(a)}); err != nil {
			span.RecordError(err)
			return 0, Result{}, err
		}
	}

	started := time.Now()
	res, err := backend.Capture(ctx, a, rep)
	elapsed := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		logger.Debug().Err(err).Str("label", a.Candidate.Label).Msg("Capture attempt cancelled")
		return 0, Result{}, err
	}

	kind := s.classify(a, res)
	span.SetAttributes(
		attribute.Int("capture.exit_code", res.ExitCode),
		attribute.String("capture.outcome", kind.String()),
	)
	if kind != Success {
		span.SetStatus(codes.Error, kind.String())
	}
	s.observer.AttemptFinished(a.Candidate, kind, elapsed)

	logger.Info().
		Str("label", a.Candidate.Label).
		Int("exit_code", res.ExitCode).
		Stringer("outcome", kind).
		Dur("elapsed", elapsed).
		Msg("Capture attempt finished")
	return kind, res, nil
}

func (s *Sequencer) classify(a Attempt, res Result) OutcomeKind {
	if !res.Started() {
		return StartFailed
	}
	if res.ExitCode == 0 {
		if _, err := safe.StatRegular(a.ArtifactPath); err == nil {
			return Success
		}
	}
	if s.Unsupported(res) {
		return UnsupportedConfiguration
	}
	if res.ExitCode == 0 {
		return ArtifactMissing
	}
	return ExecutionFailure
}
