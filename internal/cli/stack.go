package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/traceme/internal/config"
)

// errStackFailed is returned when the stack dumper exits non-zero.
var errStackFailed = errors.New("stack dump failed")

func newStackCmd(root *rootOptions) *cobra.Command {
	var (
		tf     targetFlags
		source string
	)

	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Print the thread stacks of the target",
		Long: `Take one thread stack snapshot of the target and print it to stdout.

The source defaults to stack.source: runtime for traceme itself, the target's
pprof endpoint when session.pprof_url is set, otherwise the stack tool.`,
		Example: `  traceme stack --pid 4242
  traceme stack --source runtime`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			tf.apply(cmd, cfg)
			cfg.Stack.Enabled = true
			if source != "" {
				cfg.Stack.Source = source
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStack(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVar(&source, "source", "", "Stack source: auto, tool, runtime or pprof-http")

	return cmd
}

func runStack(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if cfg.Stack.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Stack.Timeout)
		defer cancel()
	}

	a.logger.Debug().Str("command", a.stacks.Describe(a.target.PID)).Msg("Dumping stacks")
	dump, err := a.stacks.Dump(ctx, a.target.PID)
	if err != nil {
		return fmt.Errorf("failed to dump stacks of %s: %w", a.target, err)
	}
	if dump.Stderr != "" {
		_, _ = fmt.Fprintln(stderr, dump.Stderr)
	}
	if !dump.OK() {
		return fmt.Errorf("%w, exit code: %d", errStackFailed, dump.ExitCode)
	}
	_, err = io.WriteString(stdout, dump.Output)
	return err
}
