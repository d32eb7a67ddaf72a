package sheetmirror

import (
	"encoding/json"
	"time"
)

type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldPhone    FieldType = "phone"
	FieldSelect   FieldType = "select"
	FieldTextarea FieldType = "textarea"
	FieldDate     FieldType = "date"
	FieldNumber   FieldType = "number"
)

type FieldValidation struct {
	Pattern string `json:"pattern,omitempty"`
	Message string `json:"message,omitempty"`
}

type Field struct {
	ID          string           `json:"id"`
	Type        FieldType        `json:"type"`
	Label       string           `json:"label"`
	Placeholder string           `json:"placeholder,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Options     []string         `json:"options,omitempty"`
	Validation  *FieldValidation `json:"validation,omitempty"`
}

// Schema is a form definition. The mirror only reads it to decide which
// columns a submission maps to.
type Schema struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
	SubmitText  string  `json:"submitText,omitempty"`
}

// FieldValues maps field ids to submitted values.
type FieldValues map[string]string

func (v *FieldValues) UnmarshalJSON(data []byte) error {
	values := FieldValues{}
	if err := decodeOrderedObject(data, func(key string, raw json.RawMessage) error {
		values[key] = scalarString(raw)
		return nil
	}); err != nil {
		return err
	}
	*v = values
	return nil
}

type Submission struct {
	ID        string      `json:"id"`
	FormID    string      `json:"formId"`
	FormTitle string      `json:"formTitle"`
	Data      FieldValues `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	UserAgent string      `json:"userAgent,omitempty"`
}

// QAPair is an admin-defined chat answer triggered by keyword substrings.
type QAPair struct {
	ID       string   `json:"id,omitempty"`
	Trigger  []string `json:"trigger"`
	Response string   `json:"response"`
	Category string   `json:"category"`
	IsForm   bool     `json:"isForm,omitempty"`
	FormID   string   `json:"formId,omitempty"`
}
