package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/traceme/internal/artifact"
	"github.com/coral-mesh/traceme/internal/cli/helpers"
)

// profileRow is one line of `traceme profiles`.
type profileRow struct {
	ID      string `header:"ID" json:"id" yaml:"id"`
	Created string `header:"CREATED" json:"created" yaml:"created"`
	Size    int64  `header:"SIZE" json:"size" yaml:"size"`
	Path    string `header:"PATH" json:"path" yaml:"path"`
}

func newProfilesCmd(root *rootOptions) *cobra.Command {
	var (
		format    string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List captured profiles in the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.AllFormats); err != nil {
				return err
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.Capture.OutputDir = outputDir
			}

			stored, err := artifact.Scan(cfg.Capture.OutputDir)
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", cfg.Capture.OutputDir, err)
			}
			rows := make([]profileRow, 0, len(stored))
			for _, s := range stored {
				rows = append(rows, profileRow{
					ID:      s.ID,
					Created: s.CreatedAt.Format(time.RFC3339),
					Size:    s.Size,
					Path:    s.Path,
				})
			}

			if len(rows) == 0 && format == string(helpers.FormatTable) {
				cmd.Printf("No profiles in %s\n", cfg.Capture.OutputDir)
				return nil
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(rows, cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.AllFormats)
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory to list (default from config)")
	return cmd
}
