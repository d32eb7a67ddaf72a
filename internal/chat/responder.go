// Package chat answers widget messages from admin-defined Q&A pairs and a
// built-in response set. Matching is keyword substring only. Requests for a
// form are answered with the admin's active form before anything else.
package chat

import (
	_ "embed"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed responses.yaml
var builtinResponses []byte

type Source string

const (
	SourceCustom     Source = "custom"
	SourcePredefined Source = "predefined"
	SourceFallback   Source = "fallback"
)

// Reply is the answer to one message. Form is set when the answer asks the
// user to fill in a form.
type Reply struct {
	Text     string              `json:"response"`
	Category string              `json:"category,omitempty"`
	Source   Source              `json:"source"`
	IsForm   bool                `json:"isForm,omitempty"`
	Form     *sheetmirror.Schema `json:"form,omitempty"`
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	// Pick chooses a fallback index in [0, n).
	Pick func(n int) int
	// LookupForm resolves a custom Q&A form id that is not a built-in form,
	// usually the store's active form.
	LookupForm func(id string) (sheetmirror.Schema, bool)
	// ActiveForm returns the form the admin configured. Without it every
	// form request gets the "no form configured" answer.
	ActiveForm func() (sheetmirror.Schema, bool)
}

type matcher struct {
	category string
	text     string
	formID   string
	isForm   bool
	ac       ahocorasick.AhoCorasick
}

func (m *matcher) matches(message string) bool {
	return len(m.ac.FindAll(message)) > 0
}

type Responder struct {
	logger     *zap.Logger
	now        func() time.Time
	pick       func(n int) int
	lookupForm func(id string) (sheetmirror.Schema, bool)
	activeForm func() (sheetmirror.Schema, bool)
	formAsk    *matcher
	noForm     string
	fallbacks  []string
	forms      map[string]sheetmirror.Schema
	predefined []*matcher

	mu     sync.RWMutex
	custom []*matcher
}

type responseFile struct {
	ActiveForm activeFormEntry         `yaml:"activeForm"`
	Responses  []responseEntry         `yaml:"responses"`
	Fallbacks  []string                `yaml:"fallbacks"`
	Forms      map[string]formTemplate `yaml:"forms"`
}

type activeFormEntry struct {
	Trigger  []string `yaml:"trigger"`
	Response string   `yaml:"response"`
	Missing  string   `yaml:"missing"`
}

type responseEntry struct {
	Trigger  []string `yaml:"trigger"`
	Response string   `yaml:"response"`
	Category string   `yaml:"category"`
	Form     string   `yaml:"form"`
}

type formTemplate struct {
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	SubmitText  string          `yaml:"submitText"`
	Fields      []templateField `yaml:"fields"`
}

type templateField struct {
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Label       string   `yaml:"label"`
	Placeholder string   `yaml:"placeholder"`
	Required    bool     `yaml:"required"`
	Options     []string `yaml:"options"`
	Validation  *struct {
		Pattern string `yaml:"pattern"`
		Message string `yaml:"message"`
	} `yaml:"validation"`
}

// NewResponder loads the built-in response set.
func NewResponder(opts Options) (*Responder, error) {
	return NewResponderFromYAML(builtinResponses, opts)
}

func NewResponderFromYAML(data []byte, opts Options) (*Responder, error) {
	var file responseFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse chat responses: %w", err)
	}
	r := &Responder{
		logger:     opts.Logger,
		now:        opts.Now,
		pick:       opts.Pick,
		lookupForm: opts.LookupForm,
		activeForm: opts.ActiveForm,
		noForm:     file.ActiveForm.Missing,
		fallbacks:  file.Fallbacks,
		forms:      make(map[string]sheetmirror.Schema, len(file.Forms)),
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.pick == nil {
		r.pick = rand.Intn
	}
	for id, tmpl := range file.Forms {
		r.forms[id] = tmpl.schema(id)
	}
	if m := newMatcher(file.ActiveForm.Trigger); m != nil {
		m.text = file.ActiveForm.Response
		m.category = "form"
		m.isForm = true
		r.formAsk = m
	}
	for i, entry := range file.Responses {
		if entry.Form != "" {
			if _, ok := r.forms[entry.Form]; !ok {
				return nil, fmt.Errorf("chat response %d: unknown form %q", i, entry.Form)
			}
		}
		m := newMatcher(entry.Trigger)
		if m == nil {
			return nil, fmt.Errorf("chat response %d has no triggers", i)
		}
		m.text = entry.Response
		m.category = entry.Category
		m.formID = entry.Form
		m.isForm = entry.Form != ""
		r.predefined = append(r.predefined, m)
	}
	return r, nil
}

// SetCustomQA replaces the admin-defined pairs. Pairs without a usable
// trigger are skipped.
func (r *Responder) SetCustomQA(list []sheetmirror.QAPair) {
	custom := make([]*matcher, 0, len(list))
	for _, qa := range list {
		m := newMatcher(qa.Trigger)
		if m == nil {
			r.logger.Debug("skipping custom qa without triggers", zap.String("id", qa.ID))
			continue
		}
		m.text = qa.Response
		m.category = qa.Category
		m.isForm = qa.IsForm
		m.formID = qa.FormID
		custom = append(custom, m)
	}
	r.mu.Lock()
	r.custom = custom
	r.mu.Unlock()
}

// Respond answers form requests with the active form, then checks custom
// pairs, then the built-in responses, and otherwise returns one of the
// fallback answers.
func (r *Responder) Respond(message string) Reply {
	lower := strings.ToLower(message)

	if r.formAsk != nil && r.formAsk.matches(lower) {
		return r.activeFormReply()
	}

	r.mu.RLock()
	custom := r.custom
	r.mu.RUnlock()
	for _, m := range custom {
		if m.matches(lower) {
			return r.reply(m, SourceCustom)
		}
	}
	for _, m := range r.predefined {
		if m.matches(lower) {
			return r.reply(m, SourcePredefined)
		}
	}
	if len(r.fallbacks) == 0 {
		return Reply{Source: SourceFallback}
	}
	return Reply{Text: r.fallbacks[r.pick(len(r.fallbacks))], Source: SourceFallback}
}

// Forms lists the built-in form templates by id.
func (r *Responder) Forms() map[string]sheetmirror.Schema {
	out := make(map[string]sheetmirror.Schema, len(r.forms))
	for id, form := range r.forms {
		out[id] = form
	}
	return out
}

func (r *Responder) activeFormReply() Reply {
	if r.activeForm != nil {
		if form, ok := r.activeForm(); ok {
			return Reply{Text: r.formAsk.text, Category: r.formAsk.category, Source: SourcePredefined, IsForm: true, Form: &form}
		}
	}
	return Reply{Text: r.noForm, Category: r.formAsk.category, Source: SourcePredefined}
}

func (r *Responder) reply(m *matcher, source Source) Reply {
	now := r.now()
	text := strings.NewReplacer(
		"{{time}}", now.Format("3:04:05 PM"),
		"{{date}}", now.Format("Monday, January 2, 2006"),
	).Replace(m.text)
	reply := Reply{Text: text, Category: m.category, Source: source, IsForm: m.isForm}
	if m.isForm && m.formID != "" {
		if form, ok := r.form(m.formID); ok {
			reply.Form = &form
		}
	}
	return reply
}

func (r *Responder) form(id string) (sheetmirror.Schema, bool) {
	if form, ok := r.forms[id]; ok {
		return form, true
	}
	if r.lookupForm != nil {
		return r.lookupForm(id)
	}
	return sheetmirror.Schema{}, false
}

func newMatcher(triggers []string) *matcher {
	patterns := make([]string, 0, len(triggers))
	for _, trigger := range triggers {
		// an empty trigger would match every message
		if t := strings.ToLower(strings.TrimSpace(trigger)); t != "" {
			patterns = append(patterns, t)
		}
	}
	if len(patterns) == 0 {
		return nil
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	return &matcher{ac: builder.Build(patterns)}
}

func (t formTemplate) schema(id string) sheetmirror.Schema {
	schema := sheetmirror.Schema{
		ID:          id,
		Title:       t.Title,
		Description: t.Description,
		SubmitText:  t.SubmitText,
		Fields:      make([]sheetmirror.Field, 0, len(t.Fields)),
	}
	for _, f := range t.Fields {
		field := sheetmirror.Field{
			ID:          f.ID,
			Type:        sheetmirror.FieldType(f.Type),
			Label:       f.Label,
			Placeholder: f.Placeholder,
			Required:    f.Required,
			Options:     f.Options,
		}
		if f.Validation != nil {
			field.Validation = &sheetmirror.FieldValidation{Pattern: f.Validation.Pattern, Message: f.Validation.Message}
		}
		schema.Fields = append(schema.Fields, field)
	}
	return schema
}
