package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/traceme/internal/config"
	"github.com/coral-mesh/traceme/internal/server"
	"github.com/coral-mesh/traceme/pkg/version"
)

// targetFlags select the profiled process.
type targetFlags struct {
	pid       int
	port      int
	outputDir string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.pid, "pid", 0, "PID of the process to profile (default: traceme itself)")
	cmd.Flags().IntVar(&f.port, "target-port", 0, "Profile the process listening on this TCP port")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "Directory captured profiles are written to")
}

func (f *targetFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("pid") {
		cfg.Target.PID = f.pid
	}
	if cmd.Flags().Changed("target-port") {
		cfg.Target.Port = f.port
	}
	if f.outputDir != "" {
		cfg.Capture.OutputDir = f.outputDir
	}
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		tf        targetFlags
		host      string
		port      int
		viewerDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture sidecar HTTP server",
		Long: `Run the HTTP server.

Endpoints:
  /traceme?seconds=N        capture for N seconds (1-30), streaming progress
  /traceme/ws?seconds=N     the same over a websocket
  /profile/{id}.json        download a captured profile
  /profile_list             list captured profiles
  /stack                    thread stacks of the target (stack.enabled)
  /healthz, /metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			tf.apply(cmd, cfg)
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if viewerDir != "" {
				cfg.Server.ViewerDir = viewerDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "Address to listen on")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Port to listen on")
	cmd.Flags().StringVar(&viewerDir, "viewer-dir", "", "Serve speedscope assets from this directory under /speedscope/")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	srv, err := server.New(server.Config{
		Coordinator:    a.coordinator,
		Registry:       a.registry,
		Target:         a.target,
		DefaultSeconds: cfg.Capture.DefaultSeconds,
		ViewerDir:      cfg.Server.ViewerDir,
		Stacks:         a.stacks,
		StackTimeout:   cfg.Stack.Timeout,
		Metrics:        a.metrics,
		TracerProvider: a.telemetry.TracerProvider(),
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("version", version.Version).
		Stringer("target", a.target).
		Str("output_dir", cfg.Capture.OutputDir).
		Msg("Starting traceme")
	return srv.ListenAndServe(ctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout)
}
