package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/cli/appctx"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/intake"
	"github.com/lherron/clinicsync/internal/render"
)

type importSummary struct {
	File                  string            `json:"file" yaml:"file"`
	Sheet                 string            `json:"sheet" yaml:"sheet"`
	Read                  int               `json:"read" yaml:"read"`
	Inserted              int               `json:"inserted" yaml:"inserted"`
	Existing              []string          `json:"existing,omitempty" yaml:"existing,omitempty"`
	Skipped               []intake.RowError `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	NormalizationFailures int               `json:"normalization_failures" yaml:"normalization_failures"`
	DryRun                bool              `json:"dry_run" yaml:"dry_run"`
}

func newImportCmd() *cobra.Command {
	var (
		xlsxPath string
		sheet    string
		dryRun   bool
		format   string
	)
	cmd := &cobra.Command{
		Use:   "import --xlsx FILE",
		Short: "Load Person records from a spreadsheet",
		Long: `Import reads a worksheet whose first row is a header. Known headers (id,
name, name_kana, sex, birthday, phone, messaging_user_id, created_at,
updated_at and their Japanese equivalents) map to Person fields; any other
column is kept as an extra attribute. Phones and birthdays are normalized on
the way in. Rows without an id get a placeholder id.

Rows whose id already exists in the store are left untouched.`,
		Args: usageArgs(cobra.NoArgs),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if xlsxPath == "" {
				return exitError(ExitUsage, fmt.Errorf("--xlsx is required"))
			}
			return nil
		},
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

			res, err := intake.NewImporter(app.Logger).ReadFile(xlsxPath, sheet)
			if err != nil {
				return exitError(ExitFatal, err)
			}
			summary := importSummary{
				File:                  xlsxPath,
				Sheet:                 res.Sheet,
				Read:                  len(res.Persons),
				Skipped:               res.Skipped,
				NormalizationFailures: len(res.Failures),
				DryRun:                dryRun,
			}

			ids := make([]string, len(res.Persons))
			for i, p := range res.Persons {
				ids[i] = p.ID
			}
			existing, err := app.Store.Persons.ExistingIDs(ctx, ids)
			if err != nil {
				return exitError(ExitFatal, err)
			}
			summary.Existing = existing

			skip := make(map[string]struct{}, len(existing))
			for _, id := range existing {
				skip[id] = struct{}{}
			}
			var fresh []domain.Person
			for _, p := range res.Persons {
				if _, ok := skip[p.ID]; !ok {
					fresh = append(fresh, p)
				}
			}

			if !dryRun && len(fresh) > 0 {
				if summary.Inserted, err = app.Store.Persons.InsertMany(ctx, fresh); err != nil {
					return exitError(ExitFatal, err)
				}
			}
			app.Logger.Info("import complete",
				zap.String("file", xlsxPath),
				zap.Int("read", summary.Read),
				zap.Int("inserted", summary.Inserted),
				zap.Int("existing", len(existing)))

			if r.Structured() {
				return r.Render(summary)
			}
			return printImportSummary(r, summary, len(fresh))
		}),
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Workbook to import (.xlsx)")
	cmd.Flags().StringVar(&sheet, "sheet", "", "Worksheet name (default: first sheet)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Read and validate without inserting")
	cmd.Flags().StringVar(&format, "format", "", "Output format: table, json, ndjson, yaml, tsv")
	return cmd
}

func printImportSummary(r *render.Renderer, s importSummary, fresh int) error {
	r.Printf("Imported %s (sheet %s)\n", s.File, s.Sheet)
	if s.DryRun {
		r.Printf("Dry run: %d new person(s) would be inserted\n", fresh)
	} else {
		r.Printf("✓ Inserted %d person(s)\n", s.Inserted)
	}
	r.Printf("Rows read: %d, already present: %d, skipped: %d, normalization failures: %d\n",
		s.Read, len(s.Existing), len(s.Skipped), s.NormalizationFailures)

	rows := make([][]string, 0, len(s.Skipped))
	for _, e := range s.Skipped {
		rows = append(rows, []string{fmt.Sprint(e.Row), e.Err})
	}
	return r.RenderTable("Skipped rows", []string{"ROW", "ERROR"}, rows, render.AlignRight)
}
