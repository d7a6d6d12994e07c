// Package cli implements the traceme command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/traceme/internal/cli/helpers"
	"github.com/coral-mesh/traceme/internal/config"
	"github.com/coral-mesh/traceme/pkg/version"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the traceme command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "traceme",
		Short: "traceme - on-demand CPU profiles from a sidecar",
		Long: `traceme captures CPU profiles of a running process on request and hands
them to a flame graph viewer.

A capture runs an external profiling tool, or an in-process profiling
session, for a fixed number of seconds while progress is streamed back to
the client. Captured profiles are stored as speedscope JSON and can be
downloaded by id.

Configuration is read from traceme.yaml, then TRACEME_* environment
variables, then command-line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the config file (default ./"+config.DefaultConfigFile+" if present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (auto, console, json)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCaptureCmd(opts))
	cmd.AddCommand(newStackCmd(opts))
	cmd.AddCommand(newProfilesCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// load reads the configuration and applies the shared flags.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	return cfg, nil
}

// loadValid is load followed by validation.
func (o *rootOptions) loadValid() (*config.Config, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if format == string(helpers.FormatTable) {
				cmd.Printf("traceme version %s\n", info.Version)
				cmd.Printf("Git commit: %s\n", info.GitCommit)
				cmd.Printf("Build date: %s\n", info.BuildDate)
				cmd.Printf("Go version: %s\n", info.GoVersion)
				cmd.Printf("Platform: %s\n", info.Platform)
				return nil
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format([]version.Info{info}, cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
