package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/clinicsync/internal/render"
)

// Build information, set with -ldflags at release time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Displays version, commit, and build date information for clinicsync.`,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asJSON {
				return render.NewRenderer(out, render.Options{Format: render.FormatJSON}).Render(map[string]any{
					"binary":     "clinicsync",
					"version":    Version,
					"commit":     GitCommit,
					"build_date": BuildDate,
					"supported_commands": []string{
						"merge", "scan", "verify", "import", "migrate", "version", "completion",
					},
					"supported_formats": []string{"table", "json", "ndjson", "yaml", "tsv"},
				})
			}

			fmt.Fprintf(out, "clinicsync version %s\n", Version)
			fmt.Fprintf(out, "  commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  built:  %s\n", BuildDate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
