package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, Options{Format: FormatTable})
	err := r.RenderTable("Plans", []string{"CANONICAL", "ROWS"}, [][]string{{"P000123", "3"}}, AlignLeft, AlignRight)
	if err != nil {
		t.Fatalf("RenderTable failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Plans", "CANONICAL", "P000123", "╭"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderTablePorcelain(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, Options{Format: FormatTable, Porcelain: true})
	if err := r.RenderTable("", []string{"A", "B"}, [][]string{{"1", "2"}}); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "A\tB\n1\t2\n"; got != want {
		t.Errorf("porcelain output = %q, want %q", got, want)
	}

	buf.Reset()
	if err := r.RenderTable("", []string{"A"}, nil); err != nil || buf.Len() != 0 {
		t.Errorf("empty rows should render nothing, got %q (err %v)", buf.String(), err)
	}
}

func TestRenderStructured(t *testing.T) {
	data := map[string]any{"canonical_id": "P1", "note": "<ok>"}

	var buf bytes.Buffer
	if err := NewRenderer(&buf, Options{Format: FormatJSON}).Render(data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"note": "<ok>"`) {
		t.Errorf("json should not escape html: %s", buf.String())
	}

	buf.Reset()
	if err := NewRenderer(&buf, Options{Format: FormatNDJSON}).Render(data); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("ndjson should be one line: %q", buf.String())
	}

	buf.Reset()
	if err := NewRenderer(&buf, Options{Format: FormatYAML}).Render(data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "canonical_id: P1") {
		t.Errorf("yaml output: %s", buf.String())
	}

	if !NewRenderer(&buf, Options{Format: FormatYAML}).Structured() || NewRenderer(&buf, Options{}).Structured() {
		t.Error("Structured() mismatch")
	}
}

func TestRenderNDJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderNDJSON(&buf, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "\"a\"\n\"b\"\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestUnifiedDiff(t *testing.T) {
	same, err := UnifiedDiff("a", "b", "x\n", "x\n")
	if err != nil || same != "" {
		t.Errorf("equal inputs should give empty diff, got %q (err %v)", same, err)
	}

	diff, err := UnifiedDiff("expected", "current", "one\ntwo\n", "one\nthree\n")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--- expected", "+++ current", "-two", "+three"} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}
}
