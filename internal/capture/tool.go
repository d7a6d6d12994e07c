package capture

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const defaultKillGrace = 5 * time.Second

// ToolConfig configures the external tool backend.
type ToolConfig struct {
	// Binary is the executable to run.
	Binary string
	// Args are text/template strings rendered per attempt.
	Args []string
	// Env is appended to the sidecar environment for the child.
	Env []string
	// KillGrace bounds how long a cancelled attempt waits for the killed tree
	// to release its pipes.
	KillGrace time.Duration
}

// ToolBackend supervises an external profiling CLI.
type ToolBackend struct {
	cmd       *CommandTemplate
	env       []string
	killGrace time.Duration
	logger    zerolog.Logger
}

// NewToolBackend validates cfg and parses its argument templates.
func NewToolBackend(cfg ToolConfig, logger zerolog.Logger) (*ToolBackend, error) {
	if cfg.Binary == "" {
		cfg.Binary = DefaultToolBinary
	}
	if cfg.Args == nil {
		cfg.Args = DefaultToolArgs()
	}
	ct, err := NewCommandTemplate(cfg.Binary, cfg.Args)
	if err != nil {
		return nil, err
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	return &ToolBackend{
		cmd:       ct,
		env:       cfg.Env,
		killGrace: grace,
		logger:    logger.With().Str("backend", string(BackendTool)).Logger(),
	}, nil
}

// CommandLine implements Backend.
func (b *ToolBackend) CommandLine(a Attempt) string {
	return b.cmd.String(a)
}

// Capture implements Backend.
func (b *ToolBackend) Capture(ctx context.Context, a Attempt, rep Reporter) (Result, error) {
	args, err := b.cmd.Build(a)
	if err != nil {
		return StartFailure(err.Error()), nil
	}

	// #nosec G204 - the binary and argument templates come from operator config.
	cmd := exec.Command(b.cmd.Binary(), args...)
	if len(b.env) > 0 {
		cmd.Env = append(cmd.Environ(), b.env...)
	}
	startInOwnGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StartFailure(fmt.Sprintf("open stdout: %v", err)), nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return StartFailure(fmt.Sprintf("open stderr: %v", err)), nil
	}
	if err := cmd.Start(); err != nil {
		return StartFailure(err.Error()), nil
	}

	logger := b.logger.With().
		Int("pid", cmd.Process.Pid).
		Str("label", a.Candidate.Label).
		Str("id", a.ID).
		Logger()
	logger.Debug().Strs("args", args).Msg("Profiling tool started")

	agg := NewAggregator(ctx, stdout, stderr)
	forwarded := forward(agg, rep)

	// Wait must not run before both pipes are drained.
	exited := make(chan error, 1)
	go func() {
		<-agg.Done()
		exited <- cmd.Wait()
	}()

	run := &toolRun{cmd: cmd, exited: exited, forwarded: forwarded, grace: b.killGrace, logger: logger}

	deadline := time.Now().Add(a.Request.Duration())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	finished := false
	for !finished {
		remain := RemainingSeconds(deadline, time.Now())
		if err := rep.Status(fmt.Sprintf("collecting... %ds left", remain)); err != nil {
			return run.abort(err)
		}
		if remain == 0 {
			break
		}
		select {
		case err := <-exited:
			run.waitErr = err
			finished = true
		case <-ctx.Done():
			return run.abort(context.Cause(ctx))
		case <-ticker.C:
		}
	}

	if !finished {
		if err := rep.Status("waiting for " + b.cmd.Binary() + " to finish..."); err != nil {
			return run.abort(err)
		}
		select {
		case err := <-exited:
			run.waitErr = err
		case <-ctx.Done():
			return run.abort(context.Cause(ctx))
		}
	}

	<-forwarded
	if err := agg.Err(); err != nil {
		logger.Warn().Err(err).Msg("Profiling tool output was truncated")
	}

	res := Result{
		ExitCode: exitStatus(cmd.ProcessState),
		Stdout:   agg.Transcript(Primary),
		Stderr:   agg.Transcript(Secondary),
	}
	logger.Debug().Int("exit_code", res.ExitCode).AnErr("wait_error", run.waitErr).Msg("Profiling tool exited")
	return res, nil
}

// forward pushes aggregated lines to rep until the aggregator closes. After
// the first failed write it keeps draining without writing.
func forward(agg *Aggregator, rep Reporter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var failed bool
		for line := range agg.Lines() {
			if failed {
				continue
			}
			if err := rep.Log(line); err != nil {
				failed = true
			}
		}
	}()
	return done
}

type toolRun struct {
	cmd       *exec.Cmd
	exited    <-chan error
	forwarded <-chan struct{}
	grace     time.Duration
	waitErr   error
	logger    zerolog.Logger
}

// abort tears down the process tree and waits, bounded by the grace period,
// for the readers to drain. It always returns cause.
func (r *toolRun) abort(cause error) (Result, error) {
	if cause == nil {
		cause = context.Canceled
	}

	if err := killTree(r.cmd.Process.Pid); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to kill profiling tool tree")
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-r.exited:
	case <-grace.C:
		r.logger.Warn().Dur("grace", r.grace).Msg("Profiling tool did not exit after kill")
		return Result{}, cause
	}
	select {
	case <-r.forwarded:
	case <-grace.C:
	}

	r.logger.Info().Err(cause).Msg("Profiling tool cancelled")
	return Result{}, cause
}
