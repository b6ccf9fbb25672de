package intake

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/lherron/clinicsync/internal/migrate"
)

// Review workbook sheet names
const (
	SheetPlans     = "Plans"
	SheetEffects   = "Effects"
	SheetAmbiguous = "Ambiguous"
)

var (
	planHeaders      = []string{"Plan Key", "Confidence", "Signals", "Canonical ID", "Losing IDs", "Field Updates", "Effects", "Moved", "Deleted Duplicates", "Persons Deleted", "Error"}
	effectHeaders    = []string{"Plan Key", "Step", "Kind", "Person ID", "Canonical ID", "Table", "Row IDs", "Fields"}
	ambiguousHeaders = []string{"Name", "Person IDs"}
)

// ExportReport writes a merge report to an xlsx workbook with one sheet each
// for plans, effects and ambiguous groups.
func ExportReport(path string, report *migrate.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "#9BC2E6", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	var planRows, effectRows, ambiguousRows [][]any
	for _, pr := range report.Plans {
		p := pr.Plan
		signals := make([]string, len(p.Signals))
		for i, s := range p.Signals {
			signals[i] = string(s)
		}
		planRows = append(planRows, []any{
			p.Key, string(p.Confidence), strings.Join(signals, ","), p.CanonicalID,
			strings.Join(p.LosingIDs, ","), formatFields(p.FieldUpdates), len(pr.Effects),
			pr.Migrated, pr.DeletedAsDuplicate, pr.PersonsDeleted, pr.Error,
		})
		for i, eff := range pr.Effects {
			effectRows = append(effectRows, []any{
				p.Key, i + 1, string(eff.Kind), eff.PersonID, eff.CanonicalID,
				eff.Table, strings.Join(eff.RowIDs, ","), formatFields(eff.Fields),
			})
		}
	}
	for _, amb := range report.Ambiguous {
		ambiguousRows = append(ambiguousRows, []any{amb.Name, strings.Join(amb.IDs, ",")})
	}

	sheets := []struct {
		name    string
		headers []string
		rows    [][]any
	}{
		{SheetPlans, planHeaders, planRows},
		{SheetEffects, effectHeaders, effectRows},
		{SheetAmbiguous, ambiguousHeaders, ambiguousRows},
	}
	for _, s := range sheets {
		if err := writeSheet(f, s.name, s.headers, s.rows, header); err != nil {
			return err
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to remove default sheet: %w", err)
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func writeSheet(f *excelize.File, name string, headers []string, rows [][]any, headerStyle int) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}

	widths := make([]int, len(headers))
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(name, cell, h); err != nil {
			return err
		}
		widths[col] = len(h)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(name, "A1", last, headerStyle); err != nil {
		return err
	}

	for r, row := range rows {
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
			if err := f.SetCellValue(name, cell, v); err != nil {
				return err
			}
			if n := len(fmt.Sprint(v)); col < len(widths) && n > widths[col] {
				widths[col] = n
			}
		}
	}

	for col, w := range widths {
		letter, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(name, letter, letter, float64(min(w+2, 60))); err != nil {
			return err
		}
	}
	return f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + fields[k]
	}
	return strings.Join(parts, "; ")
}
