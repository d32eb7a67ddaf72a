package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Prefer string
	APIKey string
	Auth   string
	Body   []byte
}

type restRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *restRecorder) record(req *http.Request) recordedRequest {
	body, _ := io.ReadAll(req.Body)
	query := map[string]string{}
	for key, values := range req.URL.Query() {
		query[key] = values[0]
	}
	rec := recordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  query,
		Prefer: req.Header.Get("Prefer"),
		APIKey: req.Header.Get("apikey"),
		Auth:   req.Header.Get("Authorization"),
		Body:   body,
	}
	r.mu.Lock()
	r.requests = append(r.requests, rec)
	r.mu.Unlock()
	return rec
}

func (r *restRecorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func newTestREST(t *testing.T, handler http.HandlerFunc) *RESTStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	store, err := NewRESTStore(RESTOptions{
		BaseURL:   server.URL,
		APIKey:    "anon-key",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRESTStoreSaveSubmissionUpsertsByID(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusCreated)
	})

	err := store.SaveSubmission(context.Background(), sheetmirror.Submission{
		ID:        "482913",
		FormID:    "form_contact",
		FormTitle: "Contact",
		Data:      sheetmirror.FieldValues{"email": "a@b.co"},
		Timestamp: time.Date(2024, 6, 11, 9, 30, 15, 0, time.UTC),
		UserAgent: "test-agent",
	})
	require.NoError(t, err)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/rest/v1/form_submissions", got.Path)
	assert.Equal(t, "id", got.Query["on_conflict"])
	assert.Equal(t, "resolution=merge-duplicates,return=minimal", got.Prefer)
	assert.Equal(t, "anon-key", got.APIKey)
	assert.Equal(t, "Bearer anon-key", got.Auth)

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.Body, &body))
	assert.Equal(t, "482913", body["id"])
	assert.Equal(t, "form_contact", body["form_id"])
	assert.Equal(t, "Contact", body["form_title"])
	assert.Equal(t, "test-agent", body["user_agent"])
	assert.Equal(t, map[string]any{"email": "a@b.co"}, body["submission_data"])
	assert.Equal(t, "2024-06-11T09:30:15Z", body["created_at"])
}

func TestRESTStoreSaveSubmissionSendsNullFormID(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, store.SaveSubmission(context.Background(), sheetmirror.Submission{ID: "100000"}))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.all()[0].Body, &body))
	assert.Nil(t, body["form_id"])
	assert.Equal(t, map[string]any{}, body["submission_data"])
}

func TestRESTStoreLoadSubmissionsMapsRecords(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		_, _ = io.WriteString(w, `[
			{"id":"200001","form_id":"form_contact","form_title":"Contact","submission_data":{"email":"x@y.z","age":42},"user_agent":"ua","created_at":"2024-06-11T09:30:15.5+00:00"},
			{"id":"200002","form_id":null,"form_title":"","submission_data":{},"user_agent":"","created_at":"2024-06-10T08:00:00+00:00"}
		]`)
	})

	subs, err := store.LoadSubmissions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)

	assert.Equal(t, "200001", subs[0].ID)
	assert.Equal(t, "form_contact", subs[0].FormID)
	assert.Equal(t, sheetmirror.FieldValues{"email": "x@y.z", "age": "42"}, subs[0].Data)
	assert.True(t, subs[0].Timestamp.Equal(time.Date(2024, 6, 11, 9, 30, 15, 500_000_000, time.UTC)))
	assert.Equal(t, "unknown", subs[1].FormID)

	got := rec.all()[0]
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "created_at.desc", got.Query["order"])
}

func TestRESTStoreLoadActiveSchemaReturnsNilWhenNoneActive(t *testing.T) {
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.true", r.URL.Query().Get("is_active"))
		_, _ = io.WriteString(w, `[]`)
	})

	schema, err := store.LoadActiveSchema(context.Background())
	require.NoError(t, err)
	assert.Nil(t, schema)
}

func TestRESTStoreLoadActiveSchemaDecodesFields(t *testing.T) {
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"form_id":"form_contact","title":"Contact","description":"d","submit_text":"Send","is_active":true,
			"fields":[{"id":"email","type":"email","label":"Email Address","required":true}]}]`)
	})

	schema, err := store.LoadActiveSchema(context.Background())
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, "form_contact", schema.ID)
	assert.Equal(t, "Send", schema.SubmitText)
	require.Len(t, schema.Fields, 1)
	assert.Equal(t, sheetmirror.FieldEmail, schema.Fields[0].Type)
	assert.True(t, schema.Fields[0].Required)
}

func TestRESTStoreSaveSchemaDeactivatesOthersFirst(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, store.SaveSchema(context.Background(), sheetmirror.Schema{ID: "form_contact", Title: "Contact"}))

	reqs := rec.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "neq.form_contact", reqs[0].Query["form_id"])
	assert.JSONEq(t, `{"is_active":false}`, string(reqs[0].Body))

	assert.Equal(t, http.MethodPost, reqs[1].Method)
	assert.Equal(t, "form_id", reqs[1].Query["on_conflict"])
	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[1].Body, &body))
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, []any{}, body["fields"])
	assert.Contains(t, body, "updated_at")
}

func TestRESTStoreUpdateAndDeleteReportMissingRows(t *testing.T) {
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		}
		if r.URL.Query().Get("id") == "eq.111111" {
			_, _ = io.WriteString(w, `[{"id":"111111"}]`)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})
	ctx := context.Background()

	require.NoError(t, store.UpdateSubmission(ctx, "111111", sheetmirror.FieldValues{"note": "hi"}))
	require.NoError(t, store.DeleteSubmission(ctx, "111111"))

	err := store.UpdateSubmission(ctx, "999999", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(store.DeleteSubmission(ctx, "999999")))
}

func TestRESTStoreUpdateMergesIntoStoredData(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, `[{"submission_data":{"email":"a@b.com","note":"hello"}}]`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"482913"}]`)
	})

	require.NoError(t, store.UpdateSubmission(context.Background(), "482913", sheetmirror.FieldValues{"note": "hello!"}))

	reqs := rec.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "eq.482913", reqs[0].Query["id"])
	assert.Equal(t, "submission_data", reqs[0].Query["select"])
	assert.Equal(t, http.MethodPatch, reqs[1].Method)
	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[1].Body, &body))
	assert.Equal(t, map[string]any{"email": "a@b.com", "note": "hello!"}, body["submission_data"])
}

func TestRESTStoreRetriesServerErrors(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})

	subs, err := store.LoadSubmissions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subs)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestRESTStoreGivesUpAfterMaxRetries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"slow down"}`)
	})

	err := store.SaveSubmission(context.Background(), sheetmirror.Submission{ID: "123456"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Status)
	assert.Equal(t, "slow down", statusErr.Message)
	mu.Lock()
	assert.Equal(t, 4, calls)
	mu.Unlock()
}

func TestRESTStoreParsesErrorBody(t *testing.T) {
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"PGRST204","message":"Could not find the column"}`)
	})

	err := store.SaveSchema(context.Background(), sheetmirror.Schema{ID: "f"})
	require.Error(t, err)
	assert.EqualError(t, err, "remote request failed: status=400 code=PGRST204 message=Could not find the column")
	assert.False(t, IsNotFound(err))
}

func TestRESTStoreSaveCustomQAAssignsIDs(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNoContent)
	})

	err := store.SaveCustomQA(context.Background(), []sheetmirror.QAPair{
		{ID: "qa-1", Trigger: []string{"hours", "open"}, Response: "9 to 5", Category: "General"},
		{Trigger: []string{"book"}, Response: "Book here", IsForm: true, FormID: "form_appointment"},
	})
	require.NoError(t, err)

	reqs := rec.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "eq.true", reqs[0].Query["is_active"])

	var records []customQARecord
	require.NoError(t, json.Unmarshal(reqs[1].Body, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "qa-1", records[0].ID)
	assert.Nil(t, records[0].FormID)
	assert.NotEmpty(t, records[1].ID)
	require.NotNil(t, records[1].FormID)
	assert.Equal(t, "form_appointment", *records[1].FormID)
	assert.True(t, records[1].IsActive)
}

func TestRESTStoreSaveEmptyCustomQAOnlyDeactivates(t *testing.T) {
	rec := &restRecorder{}
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, store.SaveCustomQA(context.Background(), nil))
	assert.Len(t, rec.all(), 1)
}

func TestRESTStoreLoadCustomQA(t *testing.T) {
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"qa-1","question_keywords":["price","cost"],"response_text":"Free","category":"Billing","is_form":false,"form_id":null,"is_active":true}]`)
	})

	list, err := store.LoadCustomQA(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sheetmirror.QAPair{ID: "qa-1", Trigger: []string{"price", "cost"}, Response: "Free", Category: "Billing"}, list[0])
}

func TestRESTStoreHonorsContextCancellation(t *testing.T) {
	store := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.LoadSubmissions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRESTStoreKeepsExplicitRESTPath(t *testing.T) {
	store, err := NewRESTStore(RESTOptions{BaseURL: "https://demo.supabase.co/rest/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "https://demo.supabase.co/rest/v1", store.baseURL)

	_, err = NewRESTStore(RESTOptions{})
	assert.ErrorIs(t, err, sheetmirror.ErrInvalidInput)
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	store := &RESTStore{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, store.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, store.retryDelay(3, ""))
	assert.Equal(t, time.Second, store.retryDelay(8, ""))
	assert.Equal(t, time.Second, store.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, store.retryDelay(1, "soon"))
}
