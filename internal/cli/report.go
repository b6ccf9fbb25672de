package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/clinicsync/internal/cli/appctx"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/match"
	"github.com/lherron/clinicsync/internal/migrate"
	"github.com/lherron/clinicsync/internal/render"
	"github.com/lherron/clinicsync/internal/verify"
)

// newRenderer picks the --format flag when set, else the configured output
func newRenderer(cmd *cobra.Command, app *appctx.App, format render.Format) (*render.Renderer, error) {
	if format == "" {
		f, err := render.ParseFormat(app.Config.Output)
		if err != nil {
			return nil, exitError(ExitUsage, fmt.Errorf("output: %w", err))
		}
		format = f
	}
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format}), nil
}

func printMergeOutput(r *render.Renderer, out mergeOutput) error {
	if r.Structured() {
		return r.Render(out)
	}
	if err := printMergeReport(r, out.Report); err != nil {
		return err
	}
	if out.Verification != nil {
		return printVerification(r, out.Verification)
	}
	return nil
}

func printMergeReport(r *render.Renderer, report *migrate.Report) error {
	r.Printf("Run %s (%s)\n", report.RunID, report.Mode)
	if len(report.Plans) == 0 && len(report.Ambiguous) == 0 {
		r.Printf("No duplicate patients found. Nothing to do.\n")
		return nil
	}

	planRows := make([][]string, 0, len(report.Plans))
	var effectRows, decisionRows [][]string
	for _, pr := range report.Plans {
		p := pr.Plan
		planRows = append(planRows, []string{
			p.Key,
			p.CanonicalID,
			strings.Join(p.LosingIDs, ", "),
			signalList(p.Signals),
			p.Reason,
			strconv.Itoa(len(pr.Effects)),
			planStatus(pr, report.Mode),
		})
		for i, eff := range pr.Effects {
			effectRows = append(effectRows, []string{
				p.Key,
				strconv.Itoa(i + 1),
				string(eff.Kind),
				eff.PersonID,
				eff.Table,
				rowSummary(eff),
			})
		}
		for _, a := range p.Adoptions {
			decisionRows = append(decisionRows, []string{p.Key, a.Field, a.From, a.Old, a.New, a.Rule})
		}
	}

	if err := r.RenderTable("Merge plans",
		[]string{"PLAN", "CANONICAL", "LOSING", "SIGNALS", "REASON", "EFFECTS", "STATUS"},
		planRows, render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignRight); err != nil {
		return err
	}
	if err := r.RenderTable("Field decisions",
		[]string{"PLAN", "FIELD", "FROM", "OLD", "NEW", "RULE"}, decisionRows); err != nil {
		return err
	}
	if err := r.RenderTable("Effects",
		[]string{"PLAN", "STEP", "KIND", "PERSON", "TABLE", "DETAIL"},
		effectRows, render.AlignLeft, render.AlignRight); err != nil {
		return err
	}
	if err := printAmbiguous(r, report.Ambiguous); err != nil {
		return err
	}

	for _, f := range report.Failures() {
		r.Printf("✗ %v\n", f)
	}
	c := report.Counts
	r.Printf("Plans: %d, effects: %d\n", c.Plans, c.Effects)
	r.Printf("Migrated: %d, deleted-as-duplicate: %d, errors: %d\n", c.Migrated, c.DeletedAsDuplicate, c.Errors)
	if report.Mode == migrate.ModeExecute {
		r.Printf("Persons updated: %d, persons deleted: %d\n", c.PersonsUpdated, c.PersonsDeleted)
	} else if c.Effects > 0 {
		r.Printf("Dry run: nothing written. Re-run with --execute to apply.\n")
	}
	return nil
}

func printAmbiguous(r *render.Renderer, ambiguous []*domain.MatchAmbiguity) error {
	rows := make([][]string, 0, len(ambiguous))
	for _, a := range ambiguous {
		rows = append(rows, []string{a.Name, strings.Join(a.IDs, ", ")})
	}
	return r.RenderTable("Needs review (name match only, not merged)", []string{"NAME", "PERSONS"}, rows)
}

func printVerification(r *render.Renderer, v *verify.Report) error {
	if v.OK() {
		r.Printf("Verification: OK (%d persons scanned, %d losing ids checked)\n", v.Scanned, len(v.Checked))
		return nil
	}
	rows := make([][]string, 0, len(v.Defects))
	for _, d := range v.Defects {
		count := ""
		if d.Count > 0 {
			count = strconv.Itoa(d.Count)
		}
		rows = append(rows, []string{d.Kind, d.Table, strings.Join(d.PersonIDs, ", "), count})
	}
	if err := r.RenderTable("Verification defects", []string{"KIND", "TABLE", "PERSONS", "ROWS"},
		rows, render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignRight); err != nil {
		return err
	}
	r.Printf("Verification: %d defect(s)\n", len(v.Defects))
	return nil
}

func printGroups(r *render.Renderer, result match.Result) error {
	rows := make([][]string, 0, len(result.Strong)+len(result.Weak))
	for _, groups := range [][]domain.Group{result.Strong, result.Weak} {
		for _, g := range groups {
			rows = append(rows, []string{string(g.Confidence), signalList(g.Signals), strings.Join(g.IDs(), ", ")})
		}
	}
	r.Printf("Scanned %d persons: %d strong group(s), %d weak group(s)\n", result.Scanned, len(result.Strong), len(result.Weak))
	return r.RenderTable("Duplicate groups", []string{"CONFIDENCE", "SIGNALS", "PERSONS"}, rows)
}

func planStatus(pr migrate.PlanResult, mode string) string {
	switch {
	case pr.Failure != nil || pr.Error != "":
		return "failed"
	case len(pr.Effects) == 0:
		return "nothing to do"
	case mode == migrate.ModeExecute:
		return "applied"
	default:
		return "planned"
	}
}

func rowSummary(eff domain.Effect) string {
	switch eff.Kind {
	case domain.EffectUpdatePerson:
		keys := make([]string, 0, len(eff.Fields))
		for k := range eff.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + eff.Fields[k]
		}
		return strings.Join(parts, " ")
	case domain.EffectRepoint:
		return fmt.Sprintf("%d row(s) -> %s", len(eff.RowIDs), eff.CanonicalID)
	case domain.EffectDeleteDuplicate:
		return fmt.Sprintf("%d row(s) already on %s", len(eff.RowIDs), eff.CanonicalID)
	default:
		return ""
	}
}

func signalList(signals []domain.Signal) string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = string(s)
	}
	return strings.Join(out, ",")
}
