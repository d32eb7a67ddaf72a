package sheetmirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Persistence tags where a write ended up.
type Persistence string

const (
	PersistedRemote    Persistence = "remote"
	PersistedLocalOnly Persistence = "local-only"
)

// Source tags where a read was served from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

const (
	DefaultRemoteTimeout   = 10 * time.Second
	defaultMaxSyncAttempts = 5
	defaultRetryDelay      = time.Second
	defaultMaxRetryDelay   = time.Minute
)

// ErrRemoteNotFound is returned by a RemoteStore when the record an update or
// delete targets does not exist.
var ErrRemoteNotFound = errors.New("remote record not found")

// RemoteStore is the authoritative store the mirror syncs with. Any error
// other than ErrRemoteNotFound is treated as the remote being unavailable.
type RemoteStore interface {
	SaveSubmission(ctx context.Context, submission Submission) error
	LoadSubmissions(ctx context.Context) ([]Submission, error)
	// LoadActiveSchema returns nil, nil when no form is active.
	LoadActiveSchema(ctx context.Context) (*Schema, error)
	SaveSchema(ctx context.Context, schema Schema) error
	// UpdateSubmission merges data into the stored submission data. Keys not
	// in data keep their remote values.
	UpdateSubmission(ctx context.Context, id string, data FieldValues) error
	DeleteSubmission(ctx context.Context, id string) error
	LoadCustomQA(ctx context.Context) ([]QAPair, error)
	SaveCustomQA(ctx context.Context, list []QAPair) error
}

type SyncerOptions struct {
	Remote          RemoteStore
	Queue           PendingQueue
	Metrics         *Metrics
	Logger          *zap.Logger
	RemoteTimeout   time.Duration
	MaxSyncAttempts int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	DisableWorker   bool
	Now             func() time.Time
	// Templates lists the built-in forms by id. Submissions naming one of
	// them are validated and mapped against it instead of the active form.
	Templates func() map[string]Schema
}

type SubmitResult struct {
	Row         Row         `json:"row"`
	Submission  Submission  `json:"submission"`
	Persisted   Persistence `json:"persisted"`
	RemoteError string      `json:"remoteError,omitempty"`
	Queued      bool        `json:"queued,omitempty"`
}

type ConfigResult struct {
	Schema      Schema      `json:"schema"`
	Sheet       string      `json:"sheet"`
	SheetID     string      `json:"sheetId"`
	Persisted   Persistence `json:"persisted"`
	RemoteError string      `json:"remoteError,omitempty"`
}

type MutationResult struct {
	Found       bool        `json:"found"`
	Persisted   Persistence `json:"persisted,omitempty"`
	RemoteError string      `json:"remoteError,omitempty"`
	Queued      bool        `json:"queued,omitempty"`
}

type LoadResult struct {
	Submissions []Submission `json:"submissions"`
	Source      Source       `json:"source"`
	RemoteError string       `json:"remoteError,omitempty"`
}

type SchemaResult struct {
	Schema      *Schema `json:"schema"`
	Source      Source  `json:"source"`
	RemoteError string  `json:"remoteError,omitempty"`
}

type QAResult struct {
	Items       []QAPair    `json:"items"`
	Source      Source      `json:"source,omitempty"`
	Persisted   Persistence `json:"persisted,omitempty"`
	RemoteError string      `json:"remoteError,omitempty"`
}

// Syncer writes to the remote store and the local mirror. The local write
// always happens; the result says whether the remote one did too. Remote
// calls are bounded by RemoteTimeout.
type Syncer struct {
	store         *Store
	remote        RemoteStore
	queue         PendingQueue
	metrics       *Metrics
	logger        *zap.Logger
	timeout       time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	now           func() time.Time
	templates     func() map[string]Schema
	workerCtx     context.Context
	workerCancel  context.CancelFunc
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

func NewSyncer(store *Store, opts SyncerOptions) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RemoteTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	maxAttempts := opts.MaxSyncAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxSyncAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxRetryDelay := opts.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = defaultMaxRetryDelay
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryPendingQueue(0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		store:         store,
		remote:        opts.Remote,
		queue:         queue,
		metrics:       opts.Metrics,
		logger:        logger,
		timeout:       timeout,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		now:           now,
		templates:     opts.Templates,
		workerCtx:     ctx,
		workerCancel:  cancel,
	}
	s.metrics.setPending(queue.Depth())
	if !opts.DisableWorker && s.remote != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.retryWorker()
		}()
	}
	return s
}

// Close stops the retry worker. Items still queued stay in the queue.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.workerCancel()
		s.wg.Wait()
		_ = s.queue.Close()
	})
}

func (s *Syncer) Store() *Store {
	return s.store
}

// PendingDepth is the number of submissions waiting for the remote store.
func (s *Syncer) PendingDepth() int {
	return s.queue.Depth()
}

// Submit validates the submission against its form, appends it locally and
// then attempts the remote save under the row's id. Validation failures
// return an error wrapping ErrValidation and write nothing; so does a local
// write that cannot be persisted.
func (s *Syncer) Submit(ctx context.Context, submission Submission) (SubmitResult, error) {
	schema := s.submissionForm(submission.FormID)
	if err := ValidateSubmission(schema, submission.Data); err != nil {
		return SubmitResult{}, err
	}
	if _, _, taken := s.store.FindRow(submission.ID); taken || !IsValidID(submission.ID) {
		submission.ID = s.store.NextRowID()
	}
	if submission.Timestamp.IsZero() {
		submission.Timestamp = s.now()
	}
	if submission.FormID == "" && schema != nil {
		submission.FormID = schema.ID
	}
	if submission.FormTitle == "" && schema != nil {
		submission.FormTitle = schema.Title
	}

	row, err := s.store.AppendSubmission(submission, schema)
	if err != nil {
		return SubmitResult{}, err
	}
	submission.ID = row.ID

	result := SubmitResult{Row: row, Submission: submission, Persisted: PersistedRemote}
	if remoteErr := s.callRemote(ctx, "save_submission", func(ctx context.Context) error {
		return s.remote.SaveSubmission(ctx, submission)
	}); remoteErr != nil {
		result.Persisted = PersistedLocalOnly
		result.RemoteError = remoteErr.Error()
		result.Queued = s.enqueuePending(PendingSave, submission, remoteErr)
	}
	s.metrics.write("submit", result.Persisted)
	return result, nil
}

// submissionForm picks the form a submission is checked against: the active
// form when formID is empty or names it, a built-in template when formID
// names one, and the active form otherwise. nil means the legacy layout.
func (s *Syncer) submissionForm(formID string) *Schema {
	active, hasActive := s.store.ActiveForm()
	if formID != "" && (!hasActive || formID != active.ID) && s.templates != nil {
		if template, ok := s.templates()[formID]; ok {
			return &template
		}
	}
	if hasActive {
		return &active
	}
	return nil
}

// rowForm resolves the form a stored row was written with. ok is false when
// the row's columns cannot be traced back to field ids: rows of earlier
// forms whose definition is no longer kept.
func (s *Syncer) rowForm(row Row, sheet string) (*Schema, bool) {
	var template *Schema
	if row.FormType != "" && s.templates != nil {
		for _, form := range s.templates() {
			if form.Title == row.FormType {
				template = &form
				break
			}
		}
	}
	active, hasActive := s.store.ActiveForm()
	if sheet == s.store.ActiveSheet() {
		if template != nil && (!hasActive || row.FormType != active.Title) {
			return template, true
		}
		if hasActive {
			return &active, true
		}
		return nil, true
	}
	if template != nil {
		return template, true
	}
	if sheet == legacyHistorySheet {
		return nil, true
	}
	return nil, false
}

// SaveFormConfiguration makes schema the active form locally (starting a
// new sheet) and on the remote store.
func (s *Syncer) SaveFormConfiguration(ctx context.Context, schema Schema) (ConfigResult, error) {
	saved, sheet, err := s.store.SaveFormConfiguration(schema)
	if err != nil {
		return ConfigResult{}, err
	}
	result := ConfigResult{Schema: saved, Sheet: sheet, SheetID: ParseSheetID(sheet), Persisted: PersistedRemote}
	if remoteErr := s.callRemote(ctx, "save_schema", func(ctx context.Context) error {
		return s.remote.SaveSchema(ctx, saved)
	}); remoteErr != nil {
		result.Persisted = PersistedLocalOnly
		result.RemoteError = remoteErr.Error()
	}
	s.metrics.write("save_form", result.Persisted)
	return result, nil
}

// LoadSubmissions reads from the remote store, falling back to the mirror.
func (s *Syncer) LoadSubmissions(ctx context.Context) LoadResult {
	var remote []Submission
	err := s.callRemote(ctx, "load_submissions", func(ctx context.Context) error {
		var loadErr error
		remote, loadErr = s.remote.LoadSubmissions(ctx)
		return loadErr
	})
	if err == nil {
		return LoadResult{Submissions: remote, Source: SourceRemote}
	}
	return LoadResult{Submissions: s.store.LoadSubmissions(), Source: SourceLocal, RemoteError: err.Error()}
}

// LoadActiveSchema reads the active form from the remote store, falling back
// to the locally saved one. A nil Schema means no form is configured.
func (s *Syncer) LoadActiveSchema(ctx context.Context) SchemaResult {
	var remote *Schema
	err := s.callRemote(ctx, "load_schema", func(ctx context.Context) error {
		var loadErr error
		remote, loadErr = s.remote.LoadActiveSchema(ctx)
		return loadErr
	})
	if err == nil {
		return SchemaResult{Schema: remote, Source: SourceRemote}
	}
	result := SchemaResult{Source: SourceLocal, RemoteError: err.Error()}
	if form, ok := s.store.ActiveForm(); ok {
		result.Schema = &form
	}
	return result
}

// ModifyRow edits a mirror row and merges the edited field values into the
// remote copy of the submission. Only columns that map to a field of the
// row's own form are pushed; rows whose form is unknown, and manual rows,
// are edited locally only.
func (s *Syncer) ModifyRow(ctx context.Context, id string, updates map[string]string) (MutationResult, error) {
	found, err := s.store.ModifyRowByID(id, updates)
	if err != nil || !found {
		return MutationResult{Found: found}, err
	}
	row, sheet, _ := s.store.FindRow(id)
	result := MutationResult{Found: true, Persisted: PersistedLocalOnly}
	var changes FieldValues
	if schema, ok := s.rowForm(row, sheet); ok && row.UserAgent != ManualEntry {
		changes = FieldChanges(updates, schema)
	}
	if len(changes) == 0 {
		s.logger.Debug("row edit not pushed to remote store",
			zap.String("rowId", id),
			zap.String("sheet", sheet))
		s.metrics.write("modify", result.Persisted)
		return result, nil
	}
	remoteErr := s.callRemote(ctx, "update_submission", func(ctx context.Context) error {
		return s.remote.UpdateSubmission(ctx, id, changes)
	})
	switch {
	case remoteErr == nil:
		result.Persisted = PersistedRemote
	case errors.Is(remoteErr, ErrRemoteNotFound):
		result.RemoteError = remoteErr.Error()
	default:
		result.RemoteError = remoteErr.Error()
		result.Queued = s.enqueuePending(PendingUpdate, Submission{ID: id, Data: changes}, remoteErr)
	}
	s.metrics.write("modify", result.Persisted)
	return result, nil
}

// DeleteRow removes a mirror row and its remote copy. A remote copy that is
// already gone counts as deleted.
func (s *Syncer) DeleteRow(ctx context.Context, id string) (MutationResult, error) {
	row, _, _ := s.store.FindRow(id)
	found, err := s.store.DeleteRowByID(id)
	if err != nil || !found {
		return MutationResult{Found: found}, err
	}
	result := MutationResult{Found: true, Persisted: PersistedLocalOnly}
	if row.UserAgent == ManualEntry {
		s.metrics.write("delete", result.Persisted)
		return result, nil
	}
	remoteErr := s.callRemote(ctx, "delete_submission", func(ctx context.Context) error {
		return s.remote.DeleteSubmission(ctx, id)
	})
	switch {
	case remoteErr == nil || errors.Is(remoteErr, ErrRemoteNotFound):
		result.Persisted = PersistedRemote
	default:
		result.RemoteError = remoteErr.Error()
		result.Queued = s.enqueuePending(PendingDelete, Submission{ID: id}, remoteErr)
	}
	s.metrics.write("delete", result.Persisted)
	return result, nil
}

func (s *Syncer) SaveCustomQA(ctx context.Context, list []QAPair) (QAResult, error) {
	saved, err := s.store.SaveCustomQA(list)
	if err != nil {
		return QAResult{}, err
	}
	result := QAResult{Items: saved, Persisted: PersistedRemote}
	if remoteErr := s.callRemote(ctx, "save_custom_qa", func(ctx context.Context) error {
		return s.remote.SaveCustomQA(ctx, saved)
	}); remoteErr != nil {
		result.Persisted = PersistedLocalOnly
		result.RemoteError = remoteErr.Error()
	}
	s.metrics.write("save_custom_qa", result.Persisted)
	return result, nil
}

// LoadCustomQA prefers the remote list and falls back to the local backup.
func (s *Syncer) LoadCustomQA(ctx context.Context) QAResult {
	var remote []QAPair
	err := s.callRemote(ctx, "load_custom_qa", func(ctx context.Context) error {
		var loadErr error
		remote, loadErr = s.remote.LoadCustomQA(ctx)
		return loadErr
	})
	if err == nil {
		return QAResult{Items: remote, Source: SourceRemote}
	}
	return QAResult{Items: s.store.CustomQA(), Source: SourceLocal, RemoteError: err.Error()}
}

// Statistics is the admin overview: the mirror's sheet statistics and the
// submission statistics over whichever submission list LoadSubmissions
// serves.
type Statistics struct {
	Sheets      SheetStatistics `json:"sheets"`
	Submissions SubmissionStats `json:"submissions"`
	Source      Source          `json:"source"`
}

func (s *Syncer) Statistics(ctx context.Context) (Statistics, error) {
	var out Statistics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.Sheets = s.store.SheetStatistics()
		return nil
	})
	g.Go(func() error {
		loaded := s.LoadSubmissions(gctx)
		out.Submissions = ComputeSubmissionStats(loaded.Submissions, s.now())
		out.Source = loaded.Source
		return nil
	})
	if err := g.Wait(); err != nil {
		return Statistics{}, err
	}
	return out, nil
}

var errNoRemote = errors.New("remote store not configured")

func (s *Syncer) callRemote(ctx context.Context, operation string, call func(ctx context.Context) error) (err error) {
	if s.remote == nil {
		return errNoRemote
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("remote store panicked", zap.String("operation", operation), zap.Any("panic", r))
			err = errors.New("remote store panicked")
		}
		s.metrics.observeRemote(operation, started, err)
	}()
	err = call(ctx)
	if err != nil {
		s.logger.Warn("remote store unavailable, using local mirror",
			zap.String("operation", operation),
			zap.Error(err))
	}
	return err
}

func (s *Syncer) enqueuePending(op PendingOperation, submission Submission, cause error) bool {
	if s.remote == nil {
		return false
	}
	item := PendingSubmission{
		Operation:  op,
		Submission: submission,
		Attempts:   1,
		LastError:  cause.Error(),
		EnqueuedAt: s.now(),
	}
	ok := s.queue.TryEnqueue(item)
	if !ok {
		s.logger.Warn("pending queue full, change stays local only",
			zap.String("operation", string(op)),
			zap.String("submissionId", submission.ID))
	}
	s.metrics.setPending(s.queue.Depth())
	return ok
}

func (s *Syncer) retryWorker() {
	for {
		item, ok := s.queue.Dequeue(s.workerCtx)
		if !ok {
			return
		}
		s.metrics.setPending(s.queue.Depth())
		if err := sleepContext(s.workerCtx, s.backoff(item.Attempts)); err != nil {
			s.requeue(item)
			return
		}
		s.processPending(item)
	}
}

// processPending replays one queued write against the current mirror: saves
// and updates of rows deleted since are dropped, and their values are
// re-read from the row so later edits are not reverted.
func (s *Syncer) processPending(item PendingSubmission) {
	op := item.Op()
	if op != PendingDelete {
		refreshed, ok := s.refreshPending(item)
		if !ok {
			s.metrics.retry("dropped")
			s.logger.Info("dropping pending change for deleted row",
				zap.String("operation", string(op)),
				zap.String("submissionId", item.Submission.ID))
			return
		}
		item = refreshed
	}
	err := s.callRemote(s.workerCtx, "retry_"+string(op), func(ctx context.Context) error {
		switch op {
		case PendingUpdate:
			return s.remote.UpdateSubmission(ctx, item.Submission.ID, item.Submission.Data)
		case PendingDelete:
			return s.remote.DeleteSubmission(ctx, item.Submission.ID)
		default:
			return s.remote.SaveSubmission(ctx, item.Submission)
		}
	})
	if err == nil || (op == PendingDelete && errors.Is(err, ErrRemoteNotFound)) {
		s.metrics.retry("succeeded")
		s.logger.Info("pending change synced",
			zap.String("operation", string(op)),
			zap.String("submissionId", item.Submission.ID),
			zap.Int("attempts", item.Attempts+1))
		s.store.publish(Event{Type: EventSyncCompleted, RowID: item.Submission.ID, Persisted: string(PersistedRemote)})
		return
	}
	item.Attempts++
	item.LastError = err.Error()
	if item.Attempts >= s.maxAttempts || errors.Is(err, ErrRemoteNotFound) {
		s.metrics.retry("dead_lettered")
		s.logger.Error("giving up on pending change",
			zap.String("operation", string(op)),
			zap.String("submissionId", item.Submission.ID),
			zap.Int("attempts", item.Attempts),
			zap.String("lastError", item.LastError))
		return
	}
	s.metrics.retry("failed")
	s.requeue(item)
}

// refreshPending re-reads the queued values from the row. ok is false when
// the row no longer exists.
func (s *Syncer) refreshPending(item PendingSubmission) (PendingSubmission, bool) {
	row, sheet, found := s.store.FindRow(item.Submission.ID)
	if !found {
		return item, false
	}
	schema, known := s.rowForm(row, sheet)
	if !known {
		return item, true
	}
	current := FromRow(row, schema)
	data := cloneValues(item.Submission.Data)
	if data == nil {
		data = FieldValues{}
	}
	for key, value := range current {
		if _, queued := data[key]; queued || item.Op() == PendingSave {
			data[key] = value
		}
	}
	item.Submission.Data = data
	return item, true
}

func (s *Syncer) requeue(item PendingSubmission) {
	if !s.queue.TryEnqueue(item) {
		s.logger.Warn("pending queue full, dropping retry", zap.String("submissionId", item.Submission.ID))
	}
	s.metrics.setPending(s.queue.Depth())
}

func (s *Syncer) backoff(attempt int) time.Duration {
	delay := s.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxRetryDelay {
			return s.maxRetryDelay
		}
	}
	if delay > s.maxRetryDelay {
		return s.maxRetryDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
