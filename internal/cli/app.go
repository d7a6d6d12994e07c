package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/traceme/internal/artifact"
	"github.com/coral-mesh/traceme/internal/capture"
	"github.com/coral-mesh/traceme/internal/config"
	"github.com/coral-mesh/traceme/internal/logging"
	"github.com/coral-mesh/traceme/internal/metrics"
	"github.com/coral-mesh/traceme/internal/server"
	"github.com/coral-mesh/traceme/internal/target"
	"github.com/coral-mesh/traceme/internal/telemetry"
	"github.com/coral-mesh/traceme/pkg/version"
)

// app holds everything wired from one configuration.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	target      target.Info
	registry    *artifact.Registry
	metrics     *metrics.Metrics
	coordinator *server.Coordinator
	stacks      capture.StackDumper
	telemetry   *telemetry.Telemetry
}

// newLogger builds the logger described by cfg, writing to out.
func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	pretty := logging.IsTerminal(out)
	switch cfg.Format {
	case "console":
		pretty = true
	case "json":
		pretty = false
	}
	return logging.New(logging.Config{Level: cfg.Level, Pretty: pretty, Output: out})
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger := newLogger(cfg.Logging, logOut)

	var pid int
	var err error
	if cfg.Target.Port > 0 {
		logger.Info().Int("port", cfg.Target.Port).Dur("wait", cfg.Target.Wait).Msg("Looking for target listener")
		pid, err = target.WaitForListener(ctx, cfg.Target.Port, cfg.Target.Wait)
	} else {
		pid, err = target.Resolve(ctx, cfg.Target.PID, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target: %w", err)
	}
	info, err := target.Describe(ctx, pid)
	if err != nil {
		logger.Warn().Err(err).Int("pid", pid).Msg("Failed to describe target process")
		info = target.Info{PID: pid, Self: pid == os.Getpid()}
	}
	if access := target.CheckAccess(info); !access.Sufficient() {
		logger.Warn().
			Stringer("target", info).
			Str("owner", info.Username).
			Msg("Target runs as another user and CAP_SYS_PTRACE is missing; captures will likely fail")
	}

	if err := os.MkdirAll(cfg.Capture.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tool, err := capture.NewToolBackend(capture.ToolConfig{
		Binary:    cfg.Tool.Binary,
		Args:      cfg.Tool.Args,
		Env:       cfg.Tool.Env,
		KillGrace: cfg.Tool.KillGrace,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up profiling tool: %w", err)
	}

	openers := map[string]capture.SessionOpener{
		capture.SourceRuntime: capture.RuntimeOpener{},
	}
	if cfg.Session.PprofURL != "" {
		openers[capture.SourcePprofHTTP] = capture.PprofHTTPOpener{
			BaseURL:   cfg.Session.PprofURL,
			StopGrace: cfg.Session.StopGrace,
		}
	}
	session := capture.NewSessionBackend(capture.SessionConfig{
		Openers:   openers,
		StopGrace: cfg.Session.StopGrace,
	}, logger)

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    "traceme",
		ServiceVersion: version.Version,
		SampleRate:     cfg.Tracing.SampleRate,
		Output:         logOut,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	tel.Install()
	if tel.Enabled() {
		logger.Info().
			Str("exporter", cfg.Tracing.Exporter).
			Str("endpoint", cfg.Tracing.Endpoint).
			Float64("sample_rate", cfg.Tracing.SampleRate).
			Msg("Tracing enabled")
	}

	var m *metrics.Metrics
	var observer capture.Observer
	if cfg.Metrics.Enabled {
		m = metrics.New()
		observer = m
	}

	seq := capture.NewSequencer(capture.SequencerConfig{
		Backends: map[capture.BackendKind]capture.Backend{
			capture.BackendTool:    tool,
			capture.BackendSession: session,
		},
		UnsupportedPhrases: cfg.Capture.UnsupportedPhrases,
		Observer:           observer,
		TracerProvider:     tel.TracerProvider(),
		Logger:             logger,
	})

	candidates := capture.SelectCandidates(cfg.Capture.Candidates.Candidates(), runtime.GOOS)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no capture candidates available on %s", runtime.GOOS)
	}

	registry := artifact.NewRegistry(cfg.Capture.OutputDir)
	coord := server.NewCoordinator(server.CoordinatorConfig{
		Registry:   registry,
		Sequencer:  seq,
		Candidates: candidates,
		ViewerURL:  cfg.Server.ViewerURL,
		Metrics:    m,
		Logger:     logger,
	})

	var stacks capture.StackDumper
	if cfg.Stack.Enabled {
		if stacks, err = newStackDumper(cfg, info, logger); err != nil {
			return nil, fmt.Errorf("failed to set up stack dumps: %w", err)
		}
	}

	logger.Debug().
		Stringer("target", info).
		Str("output_dir", cfg.Capture.OutputDir).
		Int("candidates", len(candidates)).
		Msg("Capture pipeline ready")

	return &app{
		cfg:         cfg,
		logger:      logger,
		target:      info,
		registry:    registry,
		metrics:     m,
		coordinator: coord,
		stacks:      stacks,
		telemetry:   tel,
	}, nil
}

// newStackDumper picks the /stack source. Auto prefers the Go runtime for the
// sidecar itself, then the target's pprof endpoint, then the stack tool.
func newStackDumper(cfg *config.Config, info target.Info, logger zerolog.Logger) (capture.StackDumper, error) {
	source := cfg.Stack.Source
	if source == "" || source == config.StackSourceAuto {
		switch {
		case info.Self:
			source = capture.StackSourceRuntime
		case cfg.Session.PprofURL != "":
			source = capture.StackSourcePprofHTTP
		default:
			source = capture.StackSourceTool
		}
	}

	switch source {
	case capture.StackSourceRuntime:
		return capture.RuntimeStacks{}, nil
	case capture.StackSourcePprofHTTP:
		return capture.PprofHTTPStacks{BaseURL: cfg.Session.PprofURL}, nil
	case capture.StackSourceTool:
		return capture.NewToolStacks(capture.ToolStackConfig{
			Binary:    cfg.Stack.Binary,
			Args:      cfg.Stack.Args,
			Input:     cfg.Stack.Input,
			Env:       cfg.Tool.Env,
			KillGrace: cfg.Tool.KillGrace,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown stack source %q", source)
	}
}

// close flushes telemetry.
func (a *app) close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx, a.cfg.Server.ShutdownTimeout); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}
