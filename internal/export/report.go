package export

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

var baseColumns = []string{"Submission #", "Form Type", "Submission Date", "Submission Time"}

// BuildGroupedWorkbook writes one tab per form title, in order of first
// appearance. Field columns follow the schema labels; without a schema the
// data keys are turned into title case headings.
func BuildGroupedWorkbook(submissions []sheetmirror.Submission, schema *sheetmirror.Schema, now time.Time) (*Workbook, error) {
	return buildGrouped(submissions, schema, fmt.Sprintf("form-submissions-%s.xlsx", now.Format(fileDateLayout)))
}

// BuildFormTypeWorkbook is BuildGroupedWorkbook restricted to one form title.
func BuildFormTypeWorkbook(submissions []sheetmirror.Submission, schema *sheetmirror.Schema, formType string, now time.Time) (*Workbook, error) {
	var filtered []sheetmirror.Submission
	for _, sub := range submissions {
		if sub.FormTitle == formType {
			filtered = append(filtered, sub)
		}
	}
	slug := whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(formType)), "-")
	return buildGrouped(filtered, schema, fmt.Sprintf("%s-submissions-%s.xlsx", slug, now.Format(fileDateLayout)))
}

func buildGrouped(submissions []sheetmirror.Submission, schema *sheetmirror.Schema, filename string) (*Workbook, error) {
	if len(submissions) == 0 {
		return nil, ErrNoSubmissions
	}
	var titles []string
	groups := map[string][]sheetmirror.Submission{}
	for _, sub := range submissions {
		if _, ok := groups[sub.FormTitle]; !ok {
			titles = append(titles, sub.FormTitle)
		}
		groups[sub.FormTitle] = append(groups[sub.FormTitle], sub)
	}

	b := newBuilder()
	defer b.close()
	for _, title := range titles {
		if err := b.writeTable(title, submissionTable(groups[title], schema), true); err != nil {
			return nil, err
		}
	}
	return b.finish(filename)
}

// BuildSummaryReport writes a Summary tab (totals, form types, date range and
// a per-type breakdown) followed by an All Submissions tab.
func BuildSummaryReport(submissions []sheetmirror.Submission, schema *sheetmirror.Schema, now time.Time) (*Workbook, error) {
	if len(submissions) == 0 {
		return nil, ErrNoSubmissions
	}
	b := newBuilder()
	defer b.close()

	if err := b.writeTable("Summary", summaryTable(submissions), false); err != nil {
		return nil, err
	}
	if err := b.writeTable("All Submissions", submissionTable(submissions, schema), true); err != nil {
		return nil, err
	}
	return b.finish(fmt.Sprintf("form-submissions-report-%s.xlsx", now.Format(fileDateLayout)))
}

func submissionTable(submissions []sheetmirror.Submission, schema *sheetmirror.Schema) *table {
	t := newTable()
	for i, sub := range submissions {
		values := map[string]string{
			"Submission #":    strconv.Itoa(i + 1),
			"Form Type":       sub.FormTitle,
			"Submission Date": sub.Timestamp.Format(cellDateLayout),
			"Submission Time": sub.Timestamp.Format(cellTimeLayout),
		}
		columns := append([]string(nil), baseColumns...)
		if schema != nil && len(schema.Fields) > 0 {
			for _, field := range schema.Fields {
				columns = append(columns, field.Label)
				values[field.Label] = sub.Data[field.ID]
			}
		} else {
			keys := make([]string, 0, len(sub.Data))
			for key := range sub.Data {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				heading := titleCase(key)
				columns = append(columns, heading)
				values[heading] = sub.Data[key]
			}
		}
		t.addCells(columns, values)
	}
	return t
}

func summaryTable(submissions []sheetmirror.Submission) *table {
	var formTypes []string
	counts := map[string]int{}
	first, last := submissions[0].Timestamp, submissions[0].Timestamp
	for _, sub := range submissions {
		if _, ok := counts[sub.FormTitle]; !ok {
			formTypes = append(formTypes, sub.FormTitle)
		}
		counts[sub.FormTitle]++
		if sub.Timestamp.Before(first) {
			first = sub.Timestamp
		}
		if sub.Timestamp.After(last) {
			last = sub.Timestamp
		}
	}

	columns := []string{"Metric", "Value", "Details"}
	t := newTable()
	add := func(metric, value, details string) {
		t.addCells(columns, map[string]string{"Metric": metric, "Value": value, "Details": details})
	}
	add("Total Submissions", strconv.Itoa(len(submissions)), "All form types combined")
	add("Form Types", strconv.Itoa(len(formTypes)), strings.Join(formTypes, ", "))
	add("Date Range", first.Format(cellDateLayout)+" - "+last.Format(cellDateLayout), "First to last submission")
	for _, formType := range formTypes {
		share := float64(counts[formType]) / float64(len(submissions)) * 100
		add(formType+" Submissions", strconv.Itoa(counts[formType]), fmt.Sprintf("%.1f%% of total", share))
	}
	return t
}

// titleCase turns a camelCase data key into a heading: "companyName" becomes
// "Company Name".
func titleCase(key string) string {
	var b strings.Builder
	for i, r := range key {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteRune(' ')
		}
		if i == 0 {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
