package sheetmirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	DefaultSheetTitle = "Submissions"
	ManualEntry       = "Manual Entry"

	legacyHistorySheet = "Submissions_000001_History"
	legacySheetID      = "000001"
	placeholderFormID  = "custom-form"
	formIDPrefix       = "form_"
	qaIDPrefix         = "qa_"
	unknownSegment     = "Unknown"
	maxIDRerolls       = 32
)

type StoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	Logger       *zap.Logger
	// Now and NewID default to time.Now and GenerateID.
	Now   func() time.Time
	NewID IDGenerator
}

type SheetMetadata struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	FormName string `json:"formName"`
	Date     string `json:"date"`
	RowCount int    `json:"rowCount"`
	IsActive bool   `json:"isActive"`
}

// SheetData is a detached copy of one sheet.
type SheetData struct {
	Name string `json:"name"`
	Rows []Row  `json:"rows"`
}

// Store is the local spreadsheet mirror: sheets of rows, the active sheet
// pointer, the active form and the backup lists. Every mutation persists the
// whole state through the StateBackend. Concurrent processes sharing one
// backend overwrite each other (last write wins).
type Store struct {
	mu           sync.RWMutex
	sheets       sheetSet
	activeSheet  string
	activeForm   *Schema
	backup       []Submission
	customQA     []QAPair
	stateBackend StateBackend
	logger       *zap.Logger
	now          func() time.Time
	newID        IDGenerator
	events       *eventHub
	closeOnce    sync.Once
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = GenerateID
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		sheets:       newSheetSet(),
		stateBackend: stateBackend,
		logger:       logger,
		now:          now,
		newID:        newID,
		events:       newEventHub(),
	}
	s.mu.Lock()
	dirty, err := s.loadLocked()
	if err != nil {
		logger.Warn("mirror state unreadable, starting empty", zap.Error(err))
	}
	if dirty {
		if err := s.saveLocked(); err != nil {
			logger.Error("persist recovered mirror state", zap.Error(err))
		}
	}
	s.mu.Unlock()
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.events.close()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

// Subscribe streams mirror events until the returned cancel func is called or
// the store is closed.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// CreateSheetForSchema opens a new empty sheet named after the schema title
// and makes it active. Existing sheets are kept untouched.
func (s *Store) CreateSheetForSchema(schema Schema) (string, error) {
	s.mu.Lock()
	name := s.createSheetLocked(schema.Title)
	err := s.saveLocked()
	s.mu.Unlock()

	s.publish(Event{Type: EventSheetCreated, Sheet: name})
	return name, err
}

// SaveFormConfiguration stores schema as the active form and starts a new
// sheet for it. Schemas without an id (or with the editor placeholder id)
// get a form_<id> identifier.
func (s *Store) SaveFormConfiguration(schema Schema) (Schema, string, error) {
	s.mu.Lock()
	if strings.TrimSpace(schema.ID) == "" || schema.ID == placeholderFormID {
		schema.ID = formIDPrefix + s.newID()
	}
	stored := cloneSchema(schema)
	s.activeForm = &stored
	name := s.createSheetLocked(schema.Title)
	err := s.saveLocked()
	s.mu.Unlock()

	s.logger.Info("form configuration saved",
		zap.String("formId", schema.ID),
		zap.String("sheet", name),
		zap.String("sheetId", ParseSheetID(name)))
	s.publish(Event{Type: EventFormSaved, Sheet: name})
	return schema, name, err
}

// AppendSubmission maps submission through schema, appends the row to the
// active sheet (creating a default sheet when none exists) and records the
// submission in the backup list. A valid, unused six digit submission id is
// kept as the row id; anything else gets a fresh one. When the state cannot
// be persisted the append is undone and the error returned.
func (s *Store) AppendSubmission(submission Submission, schema *Schema) (Row, error) {
	s.mu.Lock()
	title := DefaultSheetTitle
	if schema != nil && schema.Title != "" {
		title = schema.Title
	}
	prevActive, prevSheets := s.activeSheet, s.sheets.len()
	name := s.ensureActiveLocked(title)
	if submission.Timestamp.IsZero() {
		submission.Timestamp = s.now()
	}
	row := ToRow(submission, schema)
	row.ID = s.rowIDLocked(submission.ID)
	row.SheetID = ParseSheetID(name)
	prevRows, prevBackup := len(s.sheets.rows[name]), len(s.backup)
	s.sheets.rows[name] = append(s.sheets.rows[name], row)

	backup := submission
	backup.ID = row.ID
	backup.Data = cloneValues(submission.Data)
	s.backup = append(s.backup, backup)
	if err := s.saveLocked(); err != nil {
		s.sheets.rows[name] = s.sheets.rows[name][:prevRows]
		s.backup = s.backup[:prevBackup]
		if s.sheets.len() > prevSheets {
			s.sheets.remove(name)
		}
		s.activeSheet = prevActive
		s.mu.Unlock()
		s.logger.Warn("submission not stored", zap.String("sheet", name), zap.Error(err))
		return Row{}, err
	}
	s.mu.Unlock()

	s.logger.Debug("submission appended",
		zap.String("sheet", name),
		zap.String("rowId", row.ID),
		zap.String("sheetId", row.SheetID))
	s.publish(Event{Type: EventRowAppended, Sheet: name, RowID: row.ID})
	return row.Clone(), nil
}

// AppendManualRow adds an admin-entered row to sheet. The row gets a fresh
// id, the sheet's id, the current date and time and the "Manual Entry" user
// agent; Form_Type and the remaining columns follow the sheet's first data
// row. values fill in columns, ID and Sheet_ID excepted. Manual rows are not
// added to the submission backup. found is false when the sheet does not
// exist.
func (s *Store) AppendManualRow(sheet string, values map[string]string) (Row, bool, error) {
	s.mu.Lock()
	rows, ok := s.sheets.rows[sheet]
	if !ok {
		s.mu.Unlock()
		return Row{}, false, nil
	}
	now := s.now()
	row := Row{
		ID:             s.rowIDLocked(""),
		SheetID:        ParseSheetID(sheet),
		FormType:       ManualEntry,
		SubmissionDate: now.Format(rowDateLayout),
		SubmissionTime: now.Format(rowTimeLayout),
		UserAgent:      ManualEntry,
	}
	for _, sample := range rows {
		if sample.IsMetadata() {
			continue
		}
		if sample.FormType != "" {
			row.FormType = sample.FormType
		}
		for _, column := range sample.ExtensionColumns() {
			row.Set(column, "")
		}
		break
	}
	for column, value := range values {
		if column == ColumnID || column == ColumnSheetID {
			continue
		}
		row.Set(column, value)
	}
	s.sheets.rows[sheet] = append(rows, row)
	if err := s.saveLocked(); err != nil {
		s.sheets.rows[sheet] = rows
		s.mu.Unlock()
		return Row{}, true, err
	}
	s.mu.Unlock()

	s.logger.Info("manual row added", zap.String("sheet", sheet), zap.String("rowId", row.ID))
	s.publish(Event{Type: EventRowAppended, Sheet: sheet, RowID: row.ID})
	return row.Clone(), true, nil
}

// ModifyRowByID merges updates into every row carrying id, across all sheets,
// and stamps the modification date and time. The ID and Sheet_ID columns
// cannot be changed. Metadata rows are never matched. A failed save leaves
// the rows as they were.
func (s *Store) ModifyRowByID(id string, updates map[string]string) (bool, error) {
	if id == "" || id == MetadataRowID {
		return false, nil
	}
	type edit struct {
		sheet string
		index int
		prev  Row
	}
	s.mu.Lock()
	now := s.now()
	var edits []edit
	for _, name := range s.sheets.order {
		rows := s.sheets.rows[name]
		for i := range rows {
			if rows[i].ID != id {
				continue
			}
			edits = append(edits, edit{sheet: name, index: i, prev: rows[i].Clone()})
			for column, value := range updates {
				if column == ColumnID || column == ColumnSheetID {
					continue
				}
				rows[i].Set(column, value)
			}
			rows[i].Set(ColumnModifiedDate, now.Format(rowDateLayout))
			rows[i].Set(ColumnModifiedTime, now.Format(rowTimeLayout))
		}
	}
	if len(edits) == 0 {
		s.mu.Unlock()
		s.logger.Debug("modify: row not found", zap.String("rowId", id))
		return false, nil
	}
	if err := s.saveLocked(); err != nil {
		for _, e := range edits {
			s.sheets.rows[e.sheet][e.index] = e.prev
		}
		s.mu.Unlock()
		return true, err
	}
	s.mu.Unlock()

	for _, e := range edits {
		s.publish(Event{Type: EventRowModified, Sheet: e.sheet, RowID: id})
	}
	return true, nil
}

// DeleteRowByID removes every row carrying id from every sheet. A failed
// save leaves the rows in place.
func (s *Store) DeleteRowByID(id string) (bool, error) {
	if id == "" || id == MetadataRowID {
		return false, nil
	}
	s.mu.Lock()
	previous := map[string][]Row{}
	var touched []string
	for _, name := range s.sheets.order {
		rows := s.sheets.rows[name]
		kept := make([]Row, 0, len(rows))
		for _, row := range rows {
			if row.ID == id {
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) != len(rows) {
			previous[name] = rows
			s.sheets.rows[name] = kept
			touched = append(touched, name)
		}
	}
	if len(touched) == 0 {
		s.mu.Unlock()
		s.logger.Debug("delete: row not found", zap.String("rowId", id))
		return false, nil
	}
	if err := s.saveLocked(); err != nil {
		for name, rows := range previous {
			s.sheets.rows[name] = rows
		}
		s.mu.Unlock()
		return true, err
	}
	s.mu.Unlock()

	for _, name := range touched {
		s.publish(Event{Type: EventRowDeleted, Sheet: name, RowID: id})
	}
	return true, nil
}

// ListSheetMetadata describes every sheet, active sheet first, the rest by
// encoded date descending.
func (s *Store) ListSheetMetadata() []SheetMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSheetMetadataLocked()
}

func (s *Store) listSheetMetadataLocked() []SheetMetadata {
	active := s.effectiveActiveLocked()
	out := make([]SheetMetadata, 0, s.sheets.len())
	for _, name := range s.sheets.order {
		parsed, _ := ParseSheetName(name)
		meta := SheetMetadata{
			Name:     name,
			ID:       ParseSheetID(name),
			FormName: parsed.Prefix,
			Date:     parsed.Date,
			RowCount: len(s.sheets.rows[name]),
			IsActive: name == active,
		}
		if meta.FormName == "" {
			meta.FormName = unknownSegment
		}
		if meta.Date == "" {
			meta.Date = unknownSegment
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].Date > out[j].Date
	})
	return out
}

// FindSheetByID returns the first sheet whose name embeds id.
func (s *Store) FindSheetByID(id string) (string, bool) {
	if !IsValidID(id) {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.sheets.order {
		if ParseSheetID(name) == id {
			return name, true
		}
	}
	return "", false
}

// ActiveSheet returns the sheet new submissions go to, "" when the mirror has
// no sheets yet.
func (s *Store) ActiveSheet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveActiveLocked()
}

func (s *Store) Sheet(name string) ([]Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.sheets.rows[name]
	if !ok {
		return nil, false
	}
	return cloneRows(rows), true
}

// SheetNames lists sheets in creation order.
func (s *Store) SheetNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sheets.order...)
}

// Sheets copies every sheet keyed by name.
func (s *Store) Sheets() map[string][]Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Row, s.sheets.len())
	for _, name := range s.sheets.order {
		out[name] = cloneRows(s.sheets.rows[name])
	}
	return out
}

// Snapshot copies every sheet in creation order.
func (s *Store) Snapshot() []SheetData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SheetData, 0, s.sheets.len())
	for _, name := range s.sheets.order {
		out = append(out, SheetData{Name: name, Rows: cloneRows(s.sheets.rows[name])})
	}
	return out
}

// FindRow returns the first row with id and the sheet holding it.
func (s *Store) FindRow(id string) (Row, string, bool) {
	if id == "" || id == MetadataRowID {
		return Row{}, "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.sheets.order {
		for _, row := range s.sheets.rows[name] {
			if row.ID == id {
				return row.Clone(), name, true
			}
		}
	}
	return Row{}, "", false
}

func (s *Store) ActiveForm() (Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeForm == nil {
		return Schema{}, false
	}
	return cloneSchema(*s.activeForm), true
}

// LoadSubmissions rebuilds submissions from the active sheet through the
// active form. Without an active sheet it returns the backup list.
func (s *Store) LoadSubmissions() []Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rows, ok := s.sheets.rows[s.effectiveActiveLocked()]; ok {
		out := make([]Submission, 0, len(rows))
		for _, row := range rows {
			if row.IsMetadata() {
				continue
			}
			out = append(out, submissionFromRow(row, s.activeForm))
		}
		return out
	}
	return s.backupLocked()
}

// BackupSubmissions returns the denormalized submission list kept alongside
// the sheets.
func (s *Store) BackupSubmissions() []Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backupLocked()
}

func (s *Store) backupLocked() []Submission {
	out := make([]Submission, len(s.backup))
	for i, sub := range s.backup {
		out[i] = sub
		out[i].Data = cloneValues(sub.Data)
	}
	return out
}

func (s *Store) CustomQA() []QAPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneQA(s.customQA)
}

// SaveCustomQA replaces the custom Q&A list, assigning qa_<id> identifiers
// to entries without one.
func (s *Store) SaveCustomQA(list []QAPair) ([]QAPair, error) {
	s.mu.Lock()
	stored := cloneQA(list)
	for i := range stored {
		if strings.TrimSpace(stored[i].ID) == "" {
			stored[i].ID = qaIDPrefix + s.newID()
		}
	}
	s.customQA = stored
	err := s.saveLocked()
	out := cloneQA(stored)
	s.mu.Unlock()

	s.publish(Event{Type: EventQASaved})
	return out, err
}

// NextRowID returns an identifier not yet used by any row.
func (s *Store) NextRowID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rowIDLocked("")
}

// Reload replaces the in-memory state with what the backend holds. Changes
// made by other processes since the last save become visible; local changes
// not yet saved are lost.
func (s *Store) Reload() error {
	s.mu.Lock()
	s.sheets = newSheetSet()
	s.activeSheet = ""
	s.activeForm = nil
	s.backup = nil
	s.customQA = nil
	dirty, err := s.loadLocked()
	if err == nil && dirty {
		err = s.saveLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(Event{Type: EventStateReloaded})
	return nil
}

func (s *Store) publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	s.events.publish(event)
}

func (s *Store) createSheetLocked(title string) string {
	id := s.newID()
	for i := 0; i < maxIDRerolls && s.sheetIDInUseLocked(id); i++ {
		id = s.newID()
	}
	name := MakeSheetName(title, id, s.now()).String()
	s.sheets.add(name, nil)
	s.activeSheet = name
	s.logger.Info("created sheet", zap.String("sheet", name), zap.String("sheetId", id))
	return name
}

// ensureActiveLocked repairs the active pointer: a missing sheet falls back to
// the first sheet, an empty mirror gets a fresh default sheet.
func (s *Store) ensureActiveLocked(title string) string {
	if s.sheets.has(s.activeSheet) {
		return s.activeSheet
	}
	if s.sheets.len() > 0 {
		s.logger.Warn("active sheet missing, falling back to first sheet",
			zap.String("activeSheet", s.activeSheet),
			zap.String("fallback", s.sheets.order[0]))
		s.activeSheet = s.sheets.order[0]
		return s.activeSheet
	}
	return s.createSheetLocked(title)
}

func (s *Store) effectiveActiveLocked() string {
	if s.sheets.has(s.activeSheet) {
		return s.activeSheet
	}
	if s.sheets.len() > 0 {
		return s.sheets.order[0]
	}
	return ""
}

func (s *Store) rowIDLocked(candidate string) string {
	if IsValidID(candidate) && !s.rowIDInUseLocked(candidate) {
		return candidate
	}
	id := s.newID()
	for i := 0; i < maxIDRerolls && s.rowIDInUseLocked(id); i++ {
		id = s.newID()
	}
	if s.rowIDInUseLocked(id) {
		s.logger.Warn("row id collision", zap.String("rowId", id))
	}
	return id
}

func (s *Store) rowIDInUseLocked(id string) bool {
	for _, rows := range s.sheets.rows {
		for _, row := range rows {
			if row.ID == id {
				return true
			}
		}
	}
	return false
}

func (s *Store) sheetIDInUseLocked(id string) bool {
	for _, name := range s.sheets.order {
		if ParseSheetID(name) == id {
			return true
		}
	}
	return false
}

// loadLocked decodes each key independently so one corrupted value does not
// take the others with it. dirty reports that recovery changed the state.
func (s *Store) loadLocked() (bool, error) {
	if s.stateBackend == nil {
		return false, nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return false, err
	}
	if snapshot == nil {
		return false, nil
	}
	if snapshot.AllSheets != "" {
		var sheets sheetSet
		if err := json.Unmarshal([]byte(snapshot.AllSheets), &sheets); err != nil {
			s.logger.Warn("discarding unreadable sheets", zap.String("key", KeyAllSheets), zap.Error(err))
		} else {
			s.sheets = sheets
		}
	}
	s.activeSheet = snapshot.ActiveSheet
	if snapshot.ActiveForm != "" {
		var form Schema
		if err := json.Unmarshal([]byte(snapshot.ActiveForm), &form); err != nil {
			s.logger.Warn("discarding unreadable active form", zap.String("key", KeyActiveForm), zap.Error(err))
		} else {
			s.activeForm = &form
		}
	}
	if snapshot.FormSubmissions != "" {
		var backup []Submission
		if err := json.Unmarshal([]byte(snapshot.FormSubmissions), &backup); err != nil {
			s.logger.Warn("discarding unreadable submission backup", zap.String("key", KeyFormSubmissions), zap.Error(err))
		} else {
			s.backup = backup
		}
	}
	if snapshot.CustomQA != "" {
		var qa []QAPair
		if err := json.Unmarshal([]byte(snapshot.CustomQA), &qa); err != nil {
			s.logger.Warn("discarding unreadable custom Q&A", zap.String("key", KeyCustomQA), zap.Error(err))
		} else {
			s.customQA = qa
		}
	}
	if s.sheets.rows == nil {
		s.sheets = newSheetSet()
	}
	dirty := false
	if s.sheets.len() == 0 && len(s.backup) > 0 {
		s.recoverFromBackupLocked()
		dirty = true
	}
	if !s.sheets.has(s.activeSheet) && s.sheets.len() > 0 {
		s.activeSheet = s.sheets.order[0]
	}
	return dirty, nil
}

// recoverFromBackupLocked rebuilds a history sheet from the backup list when
// the sheets themselves are gone.
func (s *Store) recoverFromBackupLocked() {
	rows := make([]Row, 0, len(s.backup))
	for _, sub := range s.backup {
		row := ToRow(sub, nil)
		row.ID = sub.ID
		if row.ID == "" {
			row.ID = s.newID()
		}
		row.SheetID = legacySheetID
		rows = append(rows, row)
	}
	s.sheets.add(legacyHistorySheet, rows)
	s.logger.Info("rebuilt history sheet from submission backup",
		zap.String("sheet", legacyHistorySheet),
		zap.Int("rows", len(rows)))
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.snapshotLocked()
	if err != nil {
		return err
	}
	if err := s.stateBackend.Save(snapshot); err != nil {
		return fmt.Errorf("persist mirror state: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() (*persistedState, error) {
	sheets, err := json.Marshal(s.sheets)
	if err != nil {
		return nil, err
	}
	snapshot := &persistedState{
		AllSheets:   string(sheets),
		ActiveSheet: s.activeSheet,
	}
	if s.activeForm != nil {
		form, err := json.Marshal(s.activeForm)
		if err != nil {
			return nil, err
		}
		snapshot.ActiveForm = string(form)
	}
	if s.backup != nil {
		backup, err := json.Marshal(s.backup)
		if err != nil {
			return nil, err
		}
		snapshot.FormSubmissions = string(backup)
	}
	if s.customQA != nil {
		qa, err := json.Marshal(s.customQA)
		if err != nil {
			return nil, err
		}
		snapshot.CustomQA = string(qa)
	}
	return snapshot, nil
}

func cloneSchema(schema Schema) Schema {
	clone := schema
	clone.Fields = make([]Field, len(schema.Fields))
	for i, field := range schema.Fields {
		clone.Fields[i] = field
		clone.Fields[i].Options = append([]string(nil), field.Options...)
		if field.Validation != nil {
			v := *field.Validation
			clone.Fields[i].Validation = &v
		}
	}
	return clone
}

func cloneValues(values FieldValues) FieldValues {
	if values == nil {
		return nil
	}
	out := make(FieldValues, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func cloneQA(list []QAPair) []QAPair {
	if list == nil {
		return nil
	}
	out := make([]QAPair, len(list))
	for i, qa := range list {
		out[i] = qa
		out[i].Trigger = append([]string(nil), qa.Trigger...)
	}
	return out
}
