package sheetmirror

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrValidation = errors.New("validation failed")

//go:embed form_schema.json
var formSchemaDocument []byte

const formSchemaURL = "sheetmirror://form_schema.json"

var (
	formSchemaOnce sync.Once
	formSchema     *jsonschema.Schema
	formSchemaErr  error
)

// ValidationError carries one message per offending field, keyed by field id
// (or JSON pointer for schema documents).
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func compiledFormSchema() (*jsonschema.Schema, error) {
	formSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(formSchemaDocument))
		if err != nil {
			formSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(formSchemaURL, doc); err != nil {
			formSchemaErr = err
			return
		}
		formSchema, formSchemaErr = c.Compile(formSchemaURL)
	})
	return formSchema, formSchemaErr
}

// ParseSchema validates a raw form definition and decodes it. Beyond the
// structural checks, field ids and labels must be unique (labels become
// column names) and validation patterns must compile.
func ParseSchema(raw []byte) (Schema, error) {
	compiled, err := compiledFormSchema()
	if err != nil {
		return Schema{}, fmt.Errorf("compile form schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Schema{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := compiled.Validate(inst); err != nil {
		return Schema{}, &ValidationError{Fields: map[string]string{"$": err.Error()}}
	}
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Schema{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := checkSchemaFields(schema); err != nil {
		return Schema{}, err
	}
	return schema, nil
}

func checkSchemaFields(schema Schema) error {
	problems := map[string]string{}
	ids := map[string]bool{}
	labels := map[string]bool{}
	for _, field := range schema.Fields {
		if ids[field.ID] {
			problems[field.ID] = fmt.Sprintf("duplicate field id %q", field.ID)
		}
		ids[field.ID] = true
		if labels[field.Label] {
			problems[field.ID] = fmt.Sprintf("duplicate field label %q", field.Label)
		}
		labels[field.Label] = true
		if IsReservedColumn(field.Label) {
			problems[field.ID] = fmt.Sprintf("label %q is a reserved column", field.Label)
		}
		if field.Validation != nil && field.Validation.Pattern != "" {
			if _, err := regexp.Compile(field.Validation.Pattern); err != nil {
				problems[field.ID] = fmt.Sprintf("invalid pattern for %s: %v", field.Label, err)
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}

// ValidateSubmission checks required fields and validation patterns the same
// way the widget does before submitting.
func ValidateSubmission(schema *Schema, data FieldValues) error {
	if !hasFields(schema) {
		return nil
	}
	problems := map[string]string{}
	for _, field := range schema.Fields {
		value := strings.TrimSpace(data[field.ID])
		if field.Required && value == "" {
			problems[field.ID] = field.Label + " is required"
			continue
		}
		if value == "" || field.Validation == nil || field.Validation.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(field.Validation.Pattern)
		if err != nil || !re.MatchString(value) {
			msg := field.Validation.Message
			if msg == "" {
				msg = "Invalid " + field.Label
			}
			problems[field.ID] = msg
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}
