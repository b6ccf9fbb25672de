package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/clinicsync/internal/cli/appctx"
	"github.com/lherron/clinicsync/internal/events"
	"github.com/lherron/clinicsync/internal/match"
	"github.com/lherron/clinicsync/internal/render"
	"github.com/lherron/clinicsync/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	var (
		losingIDs string
		runID     string
		format    string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the store for surviving duplicates and dangling references",
		Long: `Verify rescans every Person record and reports, without correcting:
  - strong duplicate groups that still exist
  - dependent rows that still reference a losing id
  - losing Person records that still exist

Losing ids come from --losing-ids, or from the audit log of --run (default:
the most recent run). Losing ids of plans that failed in that run are
expected to remain and are listed as retained.

Exits 3 when defects are found.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
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
			if err := app.Store.Ping(ctx); err != nil {
				return exitError(ExitFatal, err)
			}

			var losing, retained []string
			if losingIDs != "" {
				losing = splitList(losingIDs)
			} else {
				reader := events.NewReader(app.DB)
				if runID == "" {
					if runID, err = reader.LastRunID(ctx); err != nil {
						return exitError(ExitFatal, err)
					}
				}
				if runID != "" {
					if losing, err = reader.LosingIDs(ctx, runID); err != nil {
						return exitError(ExitFatal, err)
					}
					if retained, err = reader.RetainedIDs(ctx, runID); err != nil {
						return exitError(ExitFatal, err)
					}
				}
			}

			reporter := verify.New(app.Store, match.New(app.Classifier, app.Logger), app.Logger, app.Config.PageSize)
			report, err := reporter.Verify(ctx, losing, retained)
			if err != nil {
				return exitError(ExitFatal, err)
			}

			if r.Structured() {
				err = r.Render(report)
			} else {
				if runID != "" {
					r.Printf("Run %s\n", runID)
				}
				err = printVerification(r, report)
			}
			if err != nil {
				return exitError(ExitFatal, err)
			}
			if !report.OK() {
				return exitError(ExitDefects, fmt.Errorf("verification found %d defect(s)", len(report.Defects)))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&losingIDs, "losing-ids", "", "Comma-separated losing ids to check")
	cmd.Flags().StringVar(&runID, "run", "", "Read losing ids from this run's audit log (default: latest run)")
	cmd.Flags().StringVar(&format, "format", "", "Output format: table, json, ndjson, yaml, tsv")
	cmd.MarkFlagsMutuallyExclusive("losing-ids", "run")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
