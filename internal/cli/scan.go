package cli

import (
	"github.com/spf13/cobra"

	"github.com/lherron/clinicsync/internal/cli/appctx"
	"github.com/lherron/clinicsync/internal/render"
)

func newScanCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List duplicate patient groups without planning a merge",
		Args:  usageArgs(cobra.NoArgs),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			var f render.Format
			if format != "" {
				var err error
				if f, err = render.ParseFormat(format); err != nil {
					return exitError(ExitUsage, err)
				}
			}
			r, err := newRenderer(cmd, app, f)
			if err != nil {
				return err
			}

			a, err := analyze(cmd.Context(), app, false)
			if err != nil {
				return exitError(ExitFatal, err)
			}
			if r.Structured() {
				return r.Render(a.Match)
			}
			return printGroups(r, a.Match)
		}),
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format: table, json, ndjson, yaml, tsv")
	return cmd
}
