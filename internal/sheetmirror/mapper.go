package sheetmirror

import "time"

const (
	rowDateLayout = "2006-01-02"
	rowTimeLayout = "15:04:05"
)

type legacyColumn struct {
	Column string
	Key    string
}

// legacyColumns is the fixed layout used when no form schema is active.
var legacyColumns = []legacyColumn{
	{Column: "Name", Key: "name"},
	{Column: "Email", Key: "email"},
	{Column: "Phone", Key: "phone"},
	{Column: "Company", Key: "company"},
	{Column: "Message", Key: "message"},
}

// LegacyColumns returns the column names written when no schema is available.
func LegacyColumns() []string {
	columns := make([]string, len(legacyColumns))
	for i, c := range legacyColumns {
		columns[i] = c.Column
	}
	return columns
}

// ToRow flattens a submission into a row keyed by field label. ID and
// Sheet_ID are left for the store to assign. A nil or field-less schema falls
// back to the legacy contact columns.
func ToRow(submission Submission, schema *Schema) Row {
	ts := submission.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	row := Row{
		FormType:       submission.FormTitle,
		SubmissionDate: ts.Format(rowDateLayout),
		SubmissionTime: ts.Format(rowTimeLayout),
		UserAgent:      submission.UserAgent,
	}
	if hasFields(schema) {
		for _, field := range schema.Fields {
			row.Set(field.Label, submission.Data[field.ID])
		}
		return row
	}
	for _, c := range legacyColumns {
		row.Set(c.Column, submission.Data[c.Key])
	}
	return row
}

// FromRow is the inverse of ToRow for the same schema. Rows written under a
// different schema come back with empty values for labels they never had.
func FromRow(row Row, schema *Schema) FieldValues {
	data := FieldValues{}
	if hasFields(schema) {
		for _, field := range schema.Fields {
			data[field.ID] = row.Value(field.Label)
		}
		return data
	}
	for _, c := range legacyColumns {
		data[c.Key] = row.Value(c.Column)
	}
	return data
}

// FieldChanges translates column edits into field values for schema. Columns
// that are not a field of schema (reserved columns, stamps, stale labels)
// are left out.
func FieldChanges(updates map[string]string, schema *Schema) FieldValues {
	changes := FieldValues{}
	for column, value := range updates {
		if IsReservedColumn(column) {
			continue
		}
		if key, ok := fieldKey(column, schema); ok {
			changes[key] = value
		}
	}
	return changes
}

func fieldKey(column string, schema *Schema) (string, bool) {
	if hasFields(schema) {
		for _, field := range schema.Fields {
			if field.Label == column {
				return field.ID, true
			}
		}
		return "", false
	}
	for _, c := range legacyColumns {
		if c.Column == column {
			return c.Key, true
		}
	}
	return "", false
}

// submissionFromRow rebuilds a submission for readers of the active sheet.
func submissionFromRow(row Row, schema *Schema) Submission {
	sub := Submission{
		ID:        row.ID,
		FormID:    row.FormType,
		FormTitle: row.FormType,
		Data:      FromRow(row, schema),
		UserAgent: row.UserAgent,
	}
	if sub.FormID == "" {
		sub.FormID = "unknown"
	}
	if ts, err := time.ParseInLocation(rowDateLayout+" "+rowTimeLayout, row.SubmissionDate+" "+row.SubmissionTime, time.Local); err == nil {
		sub.Timestamp = ts
	} else if day, err := time.ParseInLocation(rowDateLayout, row.SubmissionDate, time.Local); err == nil {
		sub.Timestamp = day
	}
	return sub
}

func hasFields(schema *Schema) bool {
	return schema != nil && len(schema.Fields) > 0
}
