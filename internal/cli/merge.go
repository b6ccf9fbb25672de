package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/cli/appctx"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/intake"
	"github.com/lherron/clinicsync/internal/match"
	"github.com/lherron/clinicsync/internal/migrate"
	"github.com/lherron/clinicsync/internal/notify"
	"github.com/lherron/clinicsync/internal/render"
	"github.com/lherron/clinicsync/internal/resolve"
	"github.com/lherron/clinicsync/internal/verify"
)

type mergeOptions struct {
	dryRun     bool
	execute    bool
	reportPath string
	format     string
	xlsxPath   string
	expectPlan string
	jobs       int
	progress   bool

	output render.Format
}

// mergeOutput is the structured form of a merge run
type mergeOutput struct {
	Report       *migrate.Report `json:"report" yaml:"report"`
	Verification *verify.Report  `json:"verification,omitempty" yaml:"verification,omitempty"`
}

func newMergeCmd() *cobra.Command {
	opts := &mergeOptions{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Detect duplicate patients and merge them",
		Long: `Merge scans every Person record, groups strong duplicates (shared messaging
user id or phone number), picks the surviving record of each group, and moves
dependent rows onto it.

By default nothing is written: the report lists every plan and every effect
that --execute would apply. Weak (name-only) groups are listed for review and
never merged.

With --execute the effects are applied one at a time, each recorded in the
audit log, and a verification pass runs afterwards.

Exit codes: 0 success, 1 fatal error, 2 usage error, 3 verification defects.`,
		Args: usageArgs(cobra.NoArgs),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			return runMerge(app, cmd, opts)
		}),
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Report plans and effects without writing (default)")
	cmd.Flags().BoolVar(&opts.execute, "execute", false, "Apply the merge plans")
	cmd.Flags().BoolVar(&opts.execute, "exec", false, "Alias for --execute")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "Write the JSON report to a file")
	cmd.Flags().StringVar(&opts.format, "format", "", "Output format: table, json, ndjson, yaml, tsv (default from config)")
	cmd.Flags().StringVar(&opts.xlsxPath, "xlsx", "", "Write a review workbook (.xlsx)")
	cmd.Flags().StringVar(&opts.expectPlan, "expect-plan", "", "Refuse to run unless plans match this earlier JSON report")
	cmd.Flags().IntVar(&opts.jobs, "jobs", 0, "Parallel workers for conflict resolution (0 = config or NumCPU)")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "Show a progress bar while resolving groups (terminal only)")
	_ = cmd.Flags().MarkHidden("exec")
	return cmd
}

func (o *mergeOptions) validate() error {
	if o.dryRun && o.execute {
		return exitError(ExitUsage, fmt.Errorf("--dry-run and --execute are mutually exclusive"))
	}
	if o.jobs < 0 {
		return exitError(ExitUsage, fmt.Errorf("--jobs must not be negative"))
	}
	if o.format != "" {
		f, err := render.ParseFormat(o.format)
		if err != nil {
			return exitError(ExitUsage, err)
		}
		o.output = f
	}
	return nil
}

func runMerge(app *appctx.App, cmd *cobra.Command, opts *mergeOptions) error {
	ctx := cmd.Context()
	r, err := newRenderer(cmd, app, opts.output)
	if err != nil {
		return err
	}

	var resolveOpts []resolve.Option
	if opts.jobs > 0 {
		resolveOpts = append(resolveOpts, resolve.WithJobs(opts.jobs))
	}
	if opts.progress {
		resolveOpts = append(resolveOpts, resolve.WithProgress(true))
	}
	a, err := analyze(ctx, app, true, resolveOpts...)
	if err != nil {
		return exitError(ExitFatal, err)
	}

	if opts.expectPlan != "" {
		if err := checkExpectedPlans(cmd, opts.expectPlan, a.Plans); err != nil {
			return exitError(ExitFatal, err)
		}
	}

	executor := migrate.New(app.Store, app.Logger,
		migrate.WithExecute(opts.execute),
		migrate.WithLockPath(app.Config.RunLockPath()))
	report, runErr := executor.Run(ctx, a.Plans, a.Match.Ambiguities())

	if err := writeArtifacts(cmd, opts, report); err != nil {
		return exitError(ExitFatal, err)
	}

	out := mergeOutput{Report: report}
	if runErr == nil && opts.execute {
		out.Verification, err = verify.New(app.Store, match.New(app.Classifier, app.Logger), app.Logger, app.Config.PageSize).
			Verify(ctx, report.LosingIDs(), report.RetainedIDs())
		if err != nil {
			runErr = err
		}
	}

	if err := printMergeOutput(r, out); err != nil {
		return exitError(ExitFatal, err)
	}

	if opts.execute {
		sendNotification(ctx, app, report, out.Verification)
	}

	if runErr != nil {
		return exitError(ExitFatal, fmt.Errorf("merge run %s aborted: %w", report.RunID, runErr))
	}
	if out.Verification != nil && !out.Verification.OK() {
		return exitError(ExitDefects, fmt.Errorf("verification found %d defect(s)", len(out.Verification.Defects)))
	}
	return nil
}

func writeArtifacts(cmd *cobra.Command, opts *mergeOptions, report *migrate.Report) error {
	if opts.reportPath != "" {
		f, err := os.Create(opts.reportPath)
		if err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		err = render.NewRenderer(f, render.Options{Format: render.FormatJSON}).Render(report)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Report written to %s\n", opts.reportPath)
	}
	if opts.xlsxPath != "" {
		if err := intake.ExportReport(opts.xlsxPath, report); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Workbook written to %s\n", opts.xlsxPath)
	}
	return nil
}

// checkExpectedPlans compares the recomputed plans with those of an earlier
// JSON report and fails with a unified diff when they differ.
func checkExpectedPlans(cmd *cobra.Command, path string, plans []domain.MergePlan) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read expected plan: %w", err)
	}
	var expected migrate.Report
	if err := json.Unmarshal(data, &expected); err != nil {
		return fmt.Errorf("failed to parse expected plan %s: %w", path, err)
	}

	want, err := plansJSON(expected.PlansOnly())
	if err != nil {
		return err
	}
	got, err := plansJSON(plans)
	if err != nil {
		return err
	}
	diff, err := render.UnifiedDiff(path, "current", want, got)
	if err != nil {
		return fmt.Errorf("failed to diff plans: %w", err)
	}
	if diff == "" {
		return nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), diff)
	return errors.New("current plans differ from --expect-plan; rerun the dry-run and review")
}

func plansJSON(plans []domain.MergePlan) (string, error) {
	if plans == nil {
		plans = []domain.MergePlan{}
	}
	data, err := json.MarshalIndent(plans, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode plans: %w", err)
	}
	return string(data) + "\n", nil
}

func sendNotification(ctx context.Context, app *appctx.App, report *migrate.Report, check *verify.Report) {
	n := notify.New(app.Config.NotifyURL, app.Logger)
	if n == nil {
		return
	}
	if err := n.Send(ctx, notify.NewSummary(report, check, time.Now())); err != nil {
		app.Logger.Warn("run notification failed", zap.Error(err))
	}
}
