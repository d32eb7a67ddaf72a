// Package remote implements the authoritative submission store the mirror
// syncs with: a Postgres database reached directly or through a PostgREST
// (Supabase style) HTTP API.
package remote

import (
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/google/uuid"
)

var (
	ErrUnavailable = errors.New("remote store unavailable")
	ErrNotFound    = sheetmirror.ErrRemoteNotFound
)

const (
	tableFormConfigurations = "form_configurations"
	tableFormSubmissions    = "form_submissions"
	tableCustomQA           = "custom_qa"
	unknownFormID           = "unknown"
)

type submissionRecord struct {
	ID             string                  `json:"id"`
	FormID         *string                 `json:"form_id"`
	FormTitle      string                  `json:"form_title"`
	SubmissionData sheetmirror.FieldValues `json:"submission_data"`
	UserAgent      string                  `json:"user_agent"`
	CreatedAt      *time.Time              `json:"created_at,omitempty"`
}

func newSubmissionRecord(s sheetmirror.Submission) submissionRecord {
	rec := submissionRecord{
		ID:             s.ID,
		FormID:         optionalString(s.FormID),
		FormTitle:      s.FormTitle,
		SubmissionData: s.Data,
		UserAgent:      s.UserAgent,
	}
	if rec.SubmissionData == nil {
		rec.SubmissionData = sheetmirror.FieldValues{}
	}
	if !s.Timestamp.IsZero() {
		ts := s.Timestamp.UTC()
		rec.CreatedAt = &ts
	}
	return rec
}

func (r submissionRecord) submission() sheetmirror.Submission {
	sub := sheetmirror.Submission{
		ID:        r.ID,
		FormID:    unknownFormID,
		FormTitle: r.FormTitle,
		Data:      r.SubmissionData,
		UserAgent: r.UserAgent,
	}
	if r.FormID != nil && *r.FormID != "" {
		sub.FormID = *r.FormID
	}
	if sub.Data == nil {
		sub.Data = sheetmirror.FieldValues{}
	}
	if r.CreatedAt != nil {
		sub.Timestamp = *r.CreatedAt
	}
	return sub
}

type formConfigRecord struct {
	FormID      string              `json:"form_id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Fields      []sheetmirror.Field `json:"fields"`
	SubmitText  string              `json:"submit_text"`
	IsActive    bool                `json:"is_active"`
}

func newFormConfigRecord(schema sheetmirror.Schema) formConfigRecord {
	fields := schema.Fields
	if fields == nil {
		fields = []sheetmirror.Field{}
	}
	return formConfigRecord{
		FormID:      schema.ID,
		Title:       schema.Title,
		Description: schema.Description,
		Fields:      fields,
		SubmitText:  schema.SubmitText,
		IsActive:    true,
	}
}

func (r formConfigRecord) schema() sheetmirror.Schema {
	return sheetmirror.Schema{
		ID:          r.FormID,
		Title:       r.Title,
		Description: r.Description,
		Fields:      r.Fields,
		SubmitText:  r.SubmitText,
	}
}

type customQARecord struct {
	ID               string   `json:"id"`
	QuestionKeywords []string `json:"question_keywords"`
	ResponseText     string   `json:"response_text"`
	Category         string   `json:"category"`
	IsForm           bool     `json:"is_form"`
	FormID           *string  `json:"form_id"`
	IsActive         bool     `json:"is_active"`
}

func newCustomQARecord(qa sheetmirror.QAPair) customQARecord {
	keywords := qa.Trigger
	if keywords == nil {
		keywords = []string{}
	}
	id := strings.TrimSpace(qa.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return customQARecord{
		ID:               id,
		QuestionKeywords: keywords,
		ResponseText:     qa.Response,
		Category:         qa.Category,
		IsForm:           qa.IsForm,
		FormID:           optionalString(qa.FormID),
		IsActive:         true,
	}
}

func (r customQARecord) pair() sheetmirror.QAPair {
	qa := sheetmirror.QAPair{
		ID:       r.ID,
		Trigger:  r.QuestionKeywords,
		Response: r.ResponseText,
		Category: r.Category,
		IsForm:   r.IsForm,
	}
	if r.FormID != nil {
		qa.FormID = *r.FormID
	}
	return qa
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
