package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable  Format = "table"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatTSV    Format = "tsv"
)

// ParseFormat validates a --format value. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatNDJSON, FormatYAML, FormatTSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want table, json, ndjson, yaml or tsv)", s)
	}
}

// Align is a table column alignment
type Align int

const (
	AlignLeft Align = iota
	AlignRight
)

// Options for rendering
type Options struct {
	Format    Format
	Porcelain bool
}

// Renderer handles output rendering
type Renderer struct {
	writer io.Writer
	opts   Options
}

// NewRenderer creates a new renderer
func NewRenderer(writer io.Writer, opts Options) *Renderer {
	return &Renderer{
		writer: writer,
		opts:   opts,
	}
}

// Format returns the configured output format
func (r *Renderer) Format() Format {
	if r.opts.Format == "" {
		return FormatTable
	}
	return r.opts.Format
}

// Structured reports whether the format is machine-readable
func (r *Renderer) Structured() bool {
	switch r.Format() {
	case FormatJSON, FormatNDJSON, FormatYAML:
		return true
	}
	return false
}

// Render writes data in JSON or YAML form
func (r *Renderer) Render(data any) error {
	switch r.Format() {
	case FormatYAML:
		return r.RenderYAML(data)
	case FormatNDJSON:
		porcelain := r.opts.Porcelain
		r.opts.Porcelain = true
		defer func() { r.opts.Porcelain = porcelain }()
		return r.RenderJSON(data)
	default:
		return r.RenderJSON(data)
	}
}

// RenderJSON renders data as JSON
func (r *Renderer) RenderJSON(data any) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetEscapeHTML(false)
	if !r.opts.Porcelain {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// RenderNDJSON renders items as newline-delimited JSON
func RenderNDJSON[T any](w io.Writer, items []T) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	for _, item := range items {
		if err := encoder.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

// RenderYAML renders data as YAML
func (r *Renderer) RenderYAML(data any) error {
	encoder := yaml.NewEncoder(r.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// RenderTSV renders data as tab-separated values
func (r *Renderer) RenderTSV(headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(r.writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(r.writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable renders rows as a bordered table, or tab-separated in
// porcelain and tsv modes. A title, when set, is printed above it.
func (r *Renderer) RenderTable(title string, headers []string, rows [][]string, aligns ...Align) error {
	if len(rows) == 0 {
		return nil
	}
	if r.opts.Porcelain || r.Format() == FormatTSV {
		return r.RenderTSV(headers, rows)
	}
	_, err := fmt.Fprintln(r.writer, Table(title, headers, rows, aligns))
	return err
}

// Table formats rows with go-pretty's rounded style
func Table(title string, headers []string, rows [][]string, aligns []Align) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if title != "" {
		tw.SetTitle(title)
	}

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		tr := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				tr[i] = row[i]
			} else {
				tr[i] = ""
			}
		}
		tw.AppendRow(tr)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == AlignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// Printf writes formatted text
func (r *Renderer) Printf(format string, args ...any) {
	fmt.Fprintf(r.writer, format, args...)
}

// UnifiedDiff returns a unified diff of two texts, or "" when they are equal
func UnifiedDiff(fromName, toName, from, to string) (string, error) {
	if from == to {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}
