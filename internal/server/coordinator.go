package server

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/traceme/internal/artifact"
	"github.com/coral-mesh/traceme/internal/capture"
	cleanup "github.com/coral-mesh/traceme/internal/errors"
	"github.com/coral-mesh/traceme/internal/metrics"
	"github.com/coral-mesh/traceme/internal/progress"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Registry   *artifact.Registry
	Sequencer  *capture.Sequencer
	Candidates []capture.Candidate
	// ViewerURL is the page clients are redirected to on success.
	ViewerURL string
	// Metrics is optional.
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Coordinator drives one capture request from reservation to redirect.
type Coordinator struct {
	registry   *artifact.Registry
	sequencer  *capture.Sequencer
	candidates []capture.Candidate
	viewerURL  string
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		registry:   cfg.Registry,
		sequencer:  cfg.Sequencer,
		candidates: cfg.Candidates,
		viewerURL:  cfg.ViewerURL,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "coordinator").Logger(),
	}
}

// RunResult is what a finished request produced.
type RunResult struct {
	ID           string
	ArtifactPath string
	Outcome      capture.Outcome
	// Err is set when the request was cancelled.
	Err error
}

// Succeeded reports whether an artifact was produced.
func (r RunResult) Succeeded() bool {
	return r.Err == nil && r.Outcome.Kind == capture.Success
}

// ViewerLink returns the viewer URL with the artifact id embedded.
func (c *Coordinator) ViewerLink(id string) string {
	return c.viewerURL + "#profileURL=/profile/" + artifact.FileName(id)
}

// Run captures req and reports progress on ch. The channel has already sent
// its shell; Run sends every later event except Close.
func (c *Coordinator) Run(ch progress.Channel, req capture.Request, logger zerolog.Logger) RunResult {
	a := c.registry.Reserve(time.Now())
	logger = logger.With().Str("id", a.ID).Int("seconds", req.Seconds).Int("pid", req.PID).Logger()
	logger.Info().Msg("Capture started")

	var finish func(string)
	if c.metrics != nil {
		finish = c.metrics.CaptureStarted()
	} else {
		finish = func(string) {}
	}

	base := capture.Attempt{
		Request:      req,
		ID:           a.ID,
		OutputBase:   strings.TrimSuffix(a.Path, artifact.FileSuffix),
		ArtifactPath: a.Path,
	}

	out, err := c.sequencer.Run(ch.Context(), base, c.candidates, ch)
	res := RunResult{ID: a.ID, ArtifactPath: a.Path, Outcome: out, Err: err}

	switch {
	case err != nil:
		c.discard(a, logger)
		finish("cancelled")
		logger.Info().Err(err).Msg("Capture cancelled")
		return res

	case out.Kind != capture.Success:
		c.discard(a, logger)
		finish(out.Kind.String())
		logger.Warn().
			Stringer("outcome", out.Kind).
			Str("label", out.Candidate.Label).
			Int("exit_code", out.Result.ExitCode).
			Int("attempts", out.Attempts).
			Msg("Capture failed")

		if err := ch.Fail(out.FailureText()); err != nil {
			return res
		}
		if out.Kind == capture.ExecutionFailure {
			for _, line := range out.StderrTail(capture.StderrTailLines) {
				if err := ch.Log(capture.LogLine{Source: capture.Secondary, Text: line}); err != nil {
					return res
				}
			}
		}
		return res
	}

	c.registry.Confirm(a.ID)
	finish(out.Kind.String())
	if c.metrics != nil {
		c.metrics.SetArtifacts(c.registry.ConfirmedLen())
	}
	logger.Info().Str("label", out.Candidate.Label).Int("attempts", out.Attempts).Msg("Capture finished")

	if err := ch.Status("done, redirecting..."); err != nil {
		return res
	}
	_ = ch.Redirect(c.ViewerLink(a.ID))
	return res
}

// discard drops the speculative entry and any partial artifact.
func (c *Coordinator) discard(a artifact.Artifact, logger zerolog.Logger) {
	c.registry.Remove(a.ID)
	cleanup.RemoveFile(logger, a.Path)
}
