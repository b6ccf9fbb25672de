// Package intake loads Person records from spreadsheets and writes merge
// reports back out as workbooks for review.
package intake

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/id"
	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/normalize"
)

// columns that are not Person fields
const (
	colID        = "id"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

// header aliases, compared after lowercasing and trimming
var headerFields = map[string]string{
	"id":                colID,
	"person_id":         colID,
	"患者id":              colID,
	"患者番号":              colID,
	"name":              domain.FieldName,
	"氏名":                domain.FieldName,
	"名前":                domain.FieldName,
	"name_kana":         domain.FieldNameKana,
	"kana":              domain.FieldNameKana,
	"フリガナ":              domain.FieldNameKana,
	"カナ":                domain.FieldNameKana,
	"sex":               domain.FieldSex,
	"gender":            domain.FieldSex,
	"性別":                domain.FieldSex,
	"birthday":          domain.FieldBirthday,
	"birth_date":        domain.FieldBirthday,
	"生年月日":              domain.FieldBirthday,
	"phone":             domain.FieldPhone,
	"tel":               domain.FieldPhone,
	"電話番号":              domain.FieldPhone,
	"messaging_user_id": domain.FieldMessagingUserID,
	"line_user_id":      domain.FieldMessagingUserID,
	"line id":           domain.FieldMessagingUserID,
	"created_at":        colCreatedAt,
	"登録日":               colCreatedAt,
	"updated_at":        colUpdatedAt,
	"更新日":               colUpdatedAt,
}

// RowError describes a spreadsheet row that was skipped
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// Result is what one import produced
type Result struct {
	Sheet    string                         `json:"sheet"`
	Persons  []domain.Person                `json:"persons"`
	Skipped  []RowError                     `json:"skipped,omitempty"`
	Failures []*domain.NormalizationFailure `json:"normalization_failures,omitempty"`
}

// Importer maps spreadsheet rows onto Person records
type Importer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewImporter creates an Importer
func NewImporter(logger *zap.Logger) *Importer {
	return &Importer{
		logger: logging.Named(logger, "intake"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ReadFile imports a workbook from disk. An empty sheet name reads the first sheet.
func (im *Importer) ReadFile(path, sheet string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()
	return im.read(f, sheet)
}

// Read imports a workbook from a stream
func (im *Importer) Read(r io.Reader, sheet string) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()
	return im.read(f, sheet)
}

func (im *Importer) read(f *excelize.File, sheet string) (*Result, error) {
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	// raw values keep date serials and unformatted numbers
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheet)
	}

	columns := mapHeader(rows[0])
	result := &Result{Sheet: sheet}
	seen := make(map[string]int)

	for i, row := range rows[1:] {
		rowNum := i + 2
		if blankRow(row) {
			continue
		}
		p, failures, err := im.person(columns, row)
		if err != nil {
			result.Skipped = append(result.Skipped, RowError{Row: rowNum, Err: err.Error()})
			im.logger.Warn("row skipped", zap.Int("row", rowNum), zap.Error(err))
			continue
		}
		if prev, dup := seen[p.ID]; dup {
			msg := fmt.Sprintf("duplicate id %s (first seen on row %d)", p.ID, prev)
			result.Skipped = append(result.Skipped, RowError{Row: rowNum, Err: msg})
			continue
		}
		seen[p.ID] = rowNum
		for _, nf := range failures {
			im.logger.Debug("normalization failed", zap.Int("row", rowNum), zap.String("field", nf.Field), zap.String("raw", nf.Raw))
		}
		result.Failures = append(result.Failures, failures...)
		result.Persons = append(result.Persons, p)
	}

	im.logger.Info("sheet imported",
		zap.String("sheet", sheet),
		zap.Int("persons", len(result.Persons)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("normalization_failures", len(result.Failures)))
	return result, nil
}

type column struct {
	field string // core field, or "" for extra
	key   string // extra key
}

func mapHeader(header []string) []column {
	cols := make([]column, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if f, ok := headerFields[strings.ToLower(name)]; ok {
			cols[i] = column{field: f}
			continue
		}
		if name != "" {
			cols[i] = column{key: name}
		}
	}
	return cols
}

func (im *Importer) person(columns []column, row []string) (domain.Person, []*domain.NormalizationFailure, error) {
	var p domain.Person
	var failures []*domain.NormalizationFailure

	for i, raw := range row {
		if i >= len(columns) {
			break
		}
		value := strings.TrimSpace(raw)
		col := columns[i]
		switch col.field {
		case "":
			if col.key != "" && value != "" {
				p.SetField(domain.ExtraFieldPrefix+col.key, value)
			}
		case colID:
			p.ID = value
		case colCreatedAt, colUpdatedAt:
			if value == "" {
				continue
			}
			t, err := parseTime(value)
			if err != nil {
				return p, nil, fmt.Errorf("%s: %w", col.field, err)
			}
			if col.field == colCreatedAt {
				p.CreatedAt = t
			} else {
				p.UpdatedAt = t
			}
		case domain.FieldBirthday:
			if serial, ok := dateSerial(value); ok {
				value = serial.Format("2006-01-02")
			}
			p.Birthday = value
		default:
			p.SetField(col.field, value)
		}
	}

	phone, err := normalize.PhoneChecked(p.Phone)
	if err == nil {
		// short numbers are stored but never matched on
		_, err = normalize.PhoneKey(p.Phone)
	}
	if nf, ok := err.(*domain.NormalizationFailure); ok {
		failures = append(failures, nf)
	}
	p.Phone = phone

	birthday, err := normalize.BirthdayChecked(p.Birthday)
	if nf, ok := err.(*domain.NormalizationFailure); ok {
		failures = append(failures, nf)
	}
	p.Birthday = birthday
	p.Name = normalize.Name(p.Name)
	p.NameKana = normalize.Name(p.NameKana)

	if p.ID == "" {
		p.ID = id.NewPlaceholder()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = im.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return p, failures, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

func parseTime(value string) (time.Time, error) {
	if t, ok := dateSerial(value); ok {
		return t, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}

// dateSerial converts an Excel date serial (days since 1899-12-30)
func dateSerial(value string) (time.Time, bool) {
	serial, err := strconv.ParseFloat(value, 64)
	// 1 .. 2958465 is 1900-01-01 .. 9999-12-31
	if err != nil || serial < 1 || serial > 2958465 {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
