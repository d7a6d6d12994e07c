package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/traceme/internal/errors"
)

// Session is an open profiling session producing a raw pprof stream.
type Session interface {
	// Stream yields the raw profile bytes. It reaches EOF after Stop.
	Stream() io.Reader
	// Stop ends the session. It may block until the stream is complete.
	Stop() error
}

// SessionOpener opens profiling sessions against a process.
type SessionOpener interface {
	Open(ctx context.Context, pid, seconds int) (Session, error)
	// Describe returns a one-line description of what Open will do.
	Describe(pid int) string
}

// SessionConfig configures the session backend.
type SessionConfig struct {
	// Openers maps a candidate label to its session source.
	Openers map[string]SessionOpener
	// StopGrace bounds how long a cancelled attempt waits for the worker.
	StopGrace time.Duration
}

// SessionBackend captures through an in-process session on a dedicated
// worker thread and converts the raw profile to speedscope JSON.
type SessionBackend struct {
	openers   map[string]SessionOpener
	stopGrace time.Duration
	convert   func(src, dst, name string) error
	logger    zerolog.Logger
}

// NewSessionBackend creates a session backend.
func NewSessionBackend(cfg SessionConfig, logger zerolog.Logger) *SessionBackend {
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	openers := make(map[string]SessionOpener, len(cfg.Openers))
	for k, v := range cfg.Openers {
		openers[k] = v
	}
	return &SessionBackend{
		openers:   openers,
		stopGrace: grace,
		convert:   ConvertFile,
		logger:    logger.With().Str("backend", string(BackendSession)).Logger(),
	}
}

// CommandLine implements Backend.
func (b *SessionBackend) CommandLine(a Attempt) string {
	op, ok := b.openers[a.Candidate.Label]
	if !ok {
		return fmt.Sprintf("session %s (unavailable)", a.Candidate.Label)
	}
	return op.Describe(a.Request.PID)
}

// Capture implements Backend.
func (b *SessionBackend) Capture(ctx context.Context, a Attempt, rep Reporter) (Result, error) {
	op, ok := b.openers[a.Candidate.Label]
	if !ok {
		return StartFailure(fmt.Sprintf("unknown session source %q", a.Candidate.Label)), nil
	}

	logger := b.logger.With().Str("label", a.Candidate.Label).Str("id", a.ID).Logger()

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fut := Go(func() (Result, error) {
		return b.collect(workCtx, a, op, logger)
	})

	deadline := time.Now().Add(a.Request.Duration())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	converting := false
	for !fut.Resolved() {
		remain := RemainingSeconds(deadline, time.Now())
		var err error
		switch {
		case remain > 0:
			err = rep.Status(fmt.Sprintf("collecting... %ds left", remain))
		case !converting:
			converting = true
			err = rep.Status("converting trace to speedscope...")
		}
		if err != nil {
			cancel(err)
			return b.abandon(fut, err, logger)
		}

		select {
		case <-fut.Done():
		case <-ctx.Done():
			return b.abandon(fut, context.Cause(ctx), logger)
		case <-ticker.C:
		}
	}

	res, err := fut.Result()
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// abandon waits, bounded by the stop grace, for the worker to observe
// cancellation and clean up.
func (b *SessionBackend) abandon(fut *Future[Result], cause error, logger zerolog.Logger) (Result, error) {
	if cause == nil {
		cause = context.Canceled
	}
	grace := time.NewTimer(b.stopGrace)
	defer grace.Stop()
	select {
	case <-fut.Done():
		logger.Info().Err(cause).Msg("Profiling session cancelled")
	case <-grace.C:
		logger.Warn().Dur("grace", b.stopGrace).Msg("Profiling session did not stop after cancel")
	}
	return Result{}, cause
}

// collect runs on the worker. Failures are returned in the Result; a non-nil
// error means ctx was cancelled.
func (b *SessionBackend) collect(ctx context.Context, a Attempt, op SessionOpener, logger zerolog.Logger) (Result, error) {
	sess, err := op.Open(ctx, a.Request.PID, a.Request.Seconds)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, context.Cause(ctx)
		}
		return StartFailure(err.Error()), nil
	}
	logger.Debug().Int("pid", a.Request.PID).Msg("Profiling session opened")

	rawPath := a.OutputBase + ".pprof"
	defer errors.RemoveFile(logger, rawPath)

	// #nosec G304 - rawPath is derived from a registry-generated id.
	raw, err := os.Create(rawPath)
	if err != nil {
		errors.BestEffort(logger, "stop session", sess.Stop)
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("create raw profile: %v", err)}, nil
	}

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(raw, sess.Stream())
		copied <- err
	}()

	timer := time.NewTimer(a.Request.Duration())
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		errors.BestEffort(logger, "stop session", sess.Stop)
		<-copied
		errors.DeferClose(logger, raw, "close raw profile")
		return Result{}, context.Cause(ctx)
	}

	stopErr := sess.Stop()
	copyErr := <-copied
	if err := raw.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if ctx.Err() != nil {
		return Result{}, context.Cause(ctx)
	}
	if stopErr != nil {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("stop session: %v", stopErr)}, nil
	}
	if copyErr != nil {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("read session stream: %v", copyErr)}, nil
	}

	if err := b.convert(rawPath, a.ArtifactPath, a.ID); err != nil {
		return Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	// Capture may already have given up on this worker; an artifact written
	// after that must not outlive the attempt.
	if ctx.Err() != nil {
		errors.RemoveFile(logger, a.ArtifactPath)
		return Result{}, context.Cause(ctx)
	}
	return Result{ExitCode: 0, Stdout: "wrote " + a.ArtifactPath}, nil
}
