package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/traceme/internal/capture"
	"github.com/coral-mesh/traceme/internal/config"
	cleanup "github.com/coral-mesh/traceme/internal/errors"
	"github.com/coral-mesh/traceme/internal/progress"
	"github.com/coral-mesh/traceme/internal/safe"
)

// errCaptureFailed is returned when no candidate produced a profile.
var errCaptureFailed = errors.New("capture failed")

func newCaptureCmd(root *rootOptions) *cobra.Command {
	var (
		tf      targetFlags
		seconds int
		out     string
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one CPU profile from the terminal",
		Long: `Capture one CPU profile without starting the server.

Progress is written to stderr. On success the path of the speedscope file is
printed to stdout; with --out the file is also copied there.`,
		Example: `  traceme capture --seconds 5
  traceme capture --pid 4242 --out profile.speedscope.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			tf.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("seconds") {
				seconds = cfg.Capture.DefaultSeconds
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path, err := runCapture(ctx, cfg, capture.ClampSeconds(seconds), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if out != "" {
				if err := copyFile(path, out); err != nil {
					return err
				}
				path = out
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}

	tf.register(cmd)
	cmd.Flags().IntVarP(&seconds, "seconds", "s", capture.DefaultSeconds, "Capture duration in seconds (1-30)")
	cmd.Flags().StringVar(&out, "out", "", "Copy the captured profile to this path")

	return cmd
}

// runCapture performs a single capture and returns the artifact path.
func runCapture(ctx context.Context, cfg *config.Config, seconds int, w io.Writer) (string, error) {
	a, err := newApp(ctx, cfg, w)
	if err != nil {
		return "", err
	}
	defer a.close(ctx)

	ch := progress.NewTextChannel(ctx, w)
	defer cleanup.DeferClose(a.logger, ch, "close progress output")

	req := capture.NewRequest(seconds, a.target.PID, time.Now())
	res := a.coordinator.Run(ch, req, a.logger)
	switch {
	case res.Err != nil:
		return "", fmt.Errorf("capture cancelled: %w", res.Err)
	case !res.Succeeded():
		return "", fmt.Errorf("%w: %s", errCaptureFailed, res.Outcome.FailureText())
	}
	return res.ArtifactPath, nil
}

func copyFile(src, dst string) (err error) {
	in, _, err := safe.OpenRegular(src)
	if err != nil {
		return fmt.Errorf("failed to open profile: %w", err)
	}
	defer func() { _ = in.Close() }()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	//nolint:gosec // G304: destination is chosen by the operator.
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(f, in); err != nil {
		return fmt.Errorf("failed to copy profile: %w", err)
	}
	return nil
}
