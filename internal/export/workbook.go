// Package export materializes mirror sheets and submissions as xlsx
// workbooks. Exports work on copies and never touch the mirror state.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/xuri/excelize/v2"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// MaxSheetNameLength is the xlsx limit on tab titles.
	MaxSheetNameLength = 31
	PlaceholderSheet   = "No_Data"

	fileDateLayout = "2006-01-02"
	cellDateLayout = "2006-01-02"
	cellTimeLayout = "15:04:05"
	defaultSheet   = "Sheet1"
)

var ErrNoSubmissions = errors.New("no form submissions to export")

// Workbook is a rendered xlsx file.
type Workbook struct {
	Filename string
	Sheets   []string
	Data     []byte
}

// BuildWorkbook writes one tab per non-empty mirror sheet, each starting with
// a SHEET_METADATA row that carries the sheet id and generation time. When no
// sheet has rows the workbook holds a single empty No_Data tab.
func BuildWorkbook(sheets []sheetmirror.SheetData, now time.Time) (*Workbook, error) {
	b := newBuilder()
	defer b.close()

	for _, sheet := range sheets {
		if len(sheet.Rows) == 0 {
			continue
		}
		sheetID := sheetmirror.ParseSheetID(sheet.Name)
		var meta sheetmirror.Row
		meta.ID = sheetmirror.MetadataRowID
		meta.SheetID = sheetID
		meta.FormType = "Sheet: " + sheet.Name
		meta.SubmissionDate = now.Format(cellDateLayout)
		meta.SubmissionTime = now.Format(cellTimeLayout)
		meta.UserAgent = fmt.Sprintf("Sheet ID: %s | Generated: %s", sheetID, now.UTC().Format(time.RFC3339))

		table := newTable()
		table.addRow(meta)
		for _, row := range sheet.Rows {
			table.addRow(row)
		}
		if err := b.writeTable(sheet.Name, table, false); err != nil {
			return nil, err
		}
	}
	if len(b.sheets) == 0 {
		if err := b.writeTable(PlaceholderSheet, newTable(), false); err != nil {
			return nil, err
		}
	}
	return b.finish(fmt.Sprintf("form_submissions_with_ids_%s.xlsx", now.Format(fileDateLayout)))
}

// table is a header in first-seen column order plus rows of cells.
type table struct {
	columns []string
	seen    map[string]bool
	rows    []map[string]string
}

func newTable() *table {
	return &table{seen: map[string]bool{}}
}

func (t *table) addColumn(column string) {
	if t.seen[column] {
		return
	}
	t.seen[column] = true
	t.columns = append(t.columns, column)
}

func (t *table) addRow(row sheetmirror.Row) {
	for _, column := range row.Columns() {
		t.addColumn(column)
	}
	t.rows = append(t.rows, row.Map())
}

func (t *table) addCells(columns []string, values map[string]string) {
	for _, column := range columns {
		t.addColumn(column)
	}
	t.rows = append(t.rows, values)
}

// widths sizes each column to its longest cell plus padding, clamped to
// [10, 50] characters.
func (t *table) widths() []float64 {
	out := make([]float64, len(t.columns))
	for i, column := range t.columns {
		longest := len([]rune(column))
		for _, row := range t.rows {
			if n := len([]rune(row[column])); n > longest {
				longest = n
			}
		}
		out[i] = float64(min(max(longest+2, 10), 50))
	}
	return out
}

type builder struct {
	file   *excelize.File
	sheets []string
	used   map[string]bool
}

func newBuilder() *builder {
	return &builder{file: excelize.NewFile(), used: map[string]bool{}}
}

func (b *builder) close() {
	_ = b.file.Close()
}

func (b *builder) writeTable(name string, t *table, sizeColumns bool) error {
	tab := b.tabName(name)
	if len(b.sheets) == 0 {
		if err := b.file.SetSheetName(defaultSheet, tab); err != nil {
			return fmt.Errorf("rename sheet %q: %w", tab, err)
		}
	} else if _, err := b.file.NewSheet(tab); err != nil {
		return fmt.Errorf("create sheet %q: %w", tab, err)
	}
	b.sheets = append(b.sheets, tab)

	if len(t.columns) == 0 {
		return nil
	}
	header := make([]interface{}, len(t.columns))
	for i, column := range t.columns {
		header[i] = column
	}
	if err := b.file.SetSheetRow(tab, "A1", &header); err != nil {
		return err
	}
	for r, row := range t.rows {
		cells := make([]interface{}, len(t.columns))
		for i, column := range t.columns {
			cells[i] = row[column]
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := b.file.SetSheetRow(tab, cell, &cells); err != nil {
			return err
		}
	}
	if sizeColumns {
		for i, width := range t.widths() {
			col, err := excelize.ColumnNumberToName(i + 1)
			if err != nil {
				return err
			}
			if err := b.file.SetColWidth(tab, col, col, width); err != nil {
				return err
			}
		}
	}
	return nil
}

// tabName makes name a legal, unique xlsx tab title.
func (b *builder) tabName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.Trim(name, "'")
	if name == "" {
		name = "Untitled"
	}
	base := truncate(name, MaxSheetNameLength)
	candidate := base
	for n := 2; b.used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf("~%d", n)
		candidate = truncate(name, MaxSheetNameLength-len(suffix)) + suffix
	}
	b.used[strings.ToLower(candidate)] = true
	return candidate
}

func (b *builder) finish(filename string) (*Workbook, error) {
	b.file.SetActiveSheet(0)
	buf, err := b.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return &Workbook{
		Filename: filename,
		Sheets:   append([]string(nil), b.sheets...),
		Data:     buf.Bytes(),
	}, nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
