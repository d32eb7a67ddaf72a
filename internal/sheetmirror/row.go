package sheetmirror

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	ColumnID             = "ID"
	ColumnSheetID        = "Sheet_ID"
	ColumnFormType       = "Form_Type"
	ColumnSubmissionDate = "Submission_Date"
	ColumnSubmissionTime = "Submission_Time"
	ColumnUserAgent      = "User_Agent"
	ColumnModifiedDate   = "Modified_Date"
	ColumnModifiedTime   = "Modified_Time"

	// MetadataRowID marks the synthetic header row injected into exported
	// sheets. It never identifies user data.
	MetadataRowID = "SHEET_METADATA"
)

var reservedColumns = []string{
	ColumnID,
	ColumnSheetID,
	ColumnFormType,
	ColumnSubmissionDate,
	ColumnSubmissionTime,
	ColumnUserAgent,
}

// IsReservedColumn reports whether column is one of the fixed row columns.
func IsReservedColumn(column string) bool {
	for _, reserved := range reservedColumns {
		if reserved == column {
			return true
		}
	}
	return false
}

// Row is one flattened record of a sheet. The reserved columns are typed
// fields; every other column (form field labels, modification stamps) lives
// in an ordered extension map.
type Row struct {
	ID             string
	SheetID        string
	FormType       string
	SubmissionDate string
	SubmissionTime string
	UserAgent      string

	extraKeys []string
	extra     map[string]string
}

// IsMetadata reports whether r is an export header rather than user data.
func (r Row) IsMetadata() bool {
	return r.ID == MetadataRowID
}

func (r Row) Get(column string) (string, bool) {
	switch column {
	case ColumnID:
		return r.ID, true
	case ColumnSheetID:
		return r.SheetID, true
	case ColumnFormType:
		return r.FormType, true
	case ColumnSubmissionDate:
		return r.SubmissionDate, true
	case ColumnSubmissionTime:
		return r.SubmissionTime, true
	case ColumnUserAgent:
		return r.UserAgent, true
	}
	value, ok := r.extra[column]
	return value, ok
}

// Value returns the column value or "" when the row does not carry it.
func (r Row) Value(column string) string {
	value, _ := r.Get(column)
	return value
}

func (r *Row) Set(column, value string) {
	switch column {
	case ColumnID:
		r.ID = value
	case ColumnSheetID:
		r.SheetID = value
	case ColumnFormType:
		r.FormType = value
	case ColumnSubmissionDate:
		r.SubmissionDate = value
	case ColumnSubmissionTime:
		r.SubmissionTime = value
	case ColumnUserAgent:
		r.UserAgent = value
	default:
		if r.extra == nil {
			r.extra = map[string]string{}
		}
		if _, exists := r.extra[column]; !exists {
			r.extraKeys = append(r.extraKeys, column)
		}
		r.extra[column] = value
	}
}

// ExtensionColumns lists the non-reserved columns in insertion order.
func (r Row) ExtensionColumns() []string {
	return append([]string(nil), r.extraKeys...)
}

// Columns lists every column of the row, reserved columns first.
func (r Row) Columns() []string {
	columns := make([]string, 0, len(reservedColumns)+len(r.extraKeys))
	columns = append(columns, reservedColumns...)
	return append(columns, r.extraKeys...)
}

// Map flattens the row into a plain column to value mapping.
func (r Row) Map() map[string]string {
	out := make(map[string]string, len(reservedColumns)+len(r.extraKeys))
	for _, column := range r.Columns() {
		out[column] = r.Value(column)
	}
	return out
}

func (r Row) Clone() Row {
	clone := r
	clone.extraKeys = append([]string(nil), r.extraKeys...)
	if r.extra != nil {
		clone.extra = make(map[string]string, len(r.extra))
		for k, v := range r.extra {
			clone.extra[k] = v
		}
	}
	return clone
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, column := range r.Columns() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONPair(&buf, column, r.Value(column)); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	*r = Row{}
	return decodeOrderedObject(data, func(key string, raw json.RawMessage) error {
		r.Set(key, scalarString(raw))
		return nil
	})
}

func writeJSONPair(buf *bytes.Buffer, key string, value any) error {
	encodedKey, err := json.Marshal(key)
	if err != nil {
		return err
	}
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(encodedKey)
	buf.WriteByte(':')
	buf.Write(encodedValue)
	return nil
}

// decodeOrderedObject walks a JSON object in document order.
// A JSON null is treated as an empty object.
func decodeOrderedObject(data []byte, visit func(key string, raw json.RawMessage) error) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := visit(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// scalarString renders a JSON scalar as the string a spreadsheet cell would
// show. Hand-edited state may carry numbers or booleans.
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	return string(trimmed)
}
