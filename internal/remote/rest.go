package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"go.uber.org/zap"
)

const defaultRESTPath = "/rest/v1"

type RESTOptions struct {
	// BaseURL is the project URL; RESTPath is appended to it.
	BaseURL    string
	RESTPath   string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// StatusError is a non-2xx answer from the REST API.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote request failed: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote request failed: status=%d message=%s", e.Status, e.Message)
}

// RESTStore speaks the PostgREST dialect exposed by Supabase projects.
type RESTStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

func NewRESTStore(opts RESTOptions) (*RESTStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: remote base url is required", sheetmirror.ErrInvalidInput)
	}
	restPath := "/" + strings.Trim(strings.TrimSpace(opts.RESTPath), "/")
	if restPath == "/" {
		restPath = defaultRESTPath
	}
	if !strings.HasSuffix(baseURL, restPath) {
		baseURL += restPath
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTStore{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}, nil
}

func (c *RESTStore) SaveSubmission(ctx context.Context, submission sheetmirror.Submission) error {
	query := url.Values{"on_conflict": {"id"}}
	_, err := c.do(ctx, http.MethodPost, tableFormSubmissions, query, newSubmissionRecord(submission), "resolution=merge-duplicates,return=minimal")
	return err
}

func (c *RESTStore) LoadSubmissions(ctx context.Context) ([]sheetmirror.Submission, error) {
	query := url.Values{"select": {"*"}, "order": {"created_at.desc"}}
	body, err := c.do(ctx, http.MethodGet, tableFormSubmissions, query, nil, "")
	if err != nil {
		return nil, err
	}
	var records []submissionRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	out := make([]sheetmirror.Submission, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.submission())
	}
	return out, nil
}

func (c *RESTStore) LoadActiveSchema(ctx context.Context) (*sheetmirror.Schema, error) {
	query := url.Values{
		"select":    {"*"},
		"is_active": {"eq.true"},
		"order":     {"updated_at.desc"},
		"limit":     {"1"},
	}
	body, err := c.do(ctx, http.MethodGet, tableFormConfigurations, query, nil, "")
	if err != nil {
		return nil, err
	}
	var records []formConfigRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode form configuration: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	schema := records[0].schema()
	return &schema, nil
}

func (c *RESTStore) SaveSchema(ctx context.Context, schema sheetmirror.Schema) error {
	rec := newFormConfigRecord(schema)
	deactivate := url.Values{"form_id": {"neq." + rec.FormID}, "is_active": {"eq.true"}}
	if _, err := c.do(ctx, http.MethodPatch, tableFormConfigurations, deactivate, map[string]any{"is_active": false}, "return=minimal"); err != nil {
		return err
	}
	upsert := struct {
		formConfigRecord
		UpdatedAt time.Time `json:"updated_at"`
	}{rec, time.Now().UTC()}
	_, err := c.do(ctx, http.MethodPost, tableFormConfigurations, url.Values{"on_conflict": {"form_id"}}, upsert, "resolution=merge-duplicates,return=minimal")
	return err
}

// UpdateSubmission reads the stored submission data, merges data into it and
// writes it back. Concurrent updates of one submission race; the last PATCH
// wins.
func (c *RESTStore) UpdateSubmission(ctx context.Context, id string, data sheetmirror.FieldValues) error {
	query := url.Values{"id": {"eq." + id}, "select": {"submission_data"}}
	body, err := c.do(ctx, http.MethodGet, tableFormSubmissions, query, nil, "")
	if err != nil {
		return err
	}
	var current []struct {
		SubmissionData sheetmirror.FieldValues `json:"submission_data"`
	}
	if err := json.Unmarshal(body, &current); err != nil {
		return fmt.Errorf("decode submission %s: %w", id, err)
	}
	if len(current) == 0 {
		return fmt.Errorf("%w: submission %s", ErrNotFound, id)
	}
	merged := sheetmirror.FieldValues{}
	for key, value := range current[0].SubmissionData {
		merged[key] = value
	}
	for key, value := range data {
		merged[key] = value
	}
	payload := map[string]any{"submission_data": merged, "updated_at": time.Now().UTC()}
	body, err = c.do(ctx, http.MethodPatch, tableFormSubmissions, url.Values{"id": {"eq." + id}}, payload, "return=representation")
	if err != nil {
		return err
	}
	return expectRepresentation(body, id)
}

func (c *RESTStore) DeleteSubmission(ctx context.Context, id string) error {
	body, err := c.do(ctx, http.MethodDelete, tableFormSubmissions, url.Values{"id": {"eq." + id}}, nil, "return=representation")
	if err != nil {
		return err
	}
	return expectRepresentation(body, id)
}

func (c *RESTStore) LoadCustomQA(ctx context.Context) ([]sheetmirror.QAPair, error) {
	query := url.Values{"select": {"*"}, "is_active": {"eq.true"}, "order": {"created_at.desc"}}
	body, err := c.do(ctx, http.MethodGet, tableCustomQA, query, nil, "")
	if err != nil {
		return nil, err
	}
	var records []customQARecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode custom qa: %w", err)
	}
	out := make([]sheetmirror.QAPair, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.pair())
	}
	return out, nil
}

func (c *RESTStore) SaveCustomQA(ctx context.Context, list []sheetmirror.QAPair) error {
	if _, err := c.do(ctx, http.MethodPatch, tableCustomQA, url.Values{"is_active": {"eq.true"}}, map[string]any{"is_active": false}, "return=minimal"); err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	records := make([]customQARecord, 0, len(list))
	for _, qa := range list {
		records = append(records, newCustomQARecord(qa))
	}
	_, err := c.do(ctx, http.MethodPost, tableCustomQA, url.Values{"on_conflict": {"id"}}, records, "resolution=merge-duplicates,return=minimal")
	return err
}

func (c *RESTStore) do(ctx context.Context, method, table string, query url.Values, payload any, prefer string) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	target := c.baseURL + "/" + table
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if prefer != "" {
			req.Header.Set("Prefer", prefer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("remote request failed, retrying", zap.String("table", table), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			c.logger.Debug("remote request throttled, retrying", zap.String("table", table), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, parseStatusError(resp.StatusCode, respBody)
	}
}

func parseStatusError(status int, body []byte) *StatusError {
	statusErr := &StatusError{Status: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			statusErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			statusErr.Message = message
		}
	}
	return statusErr
}

func expectRepresentation(body []byte, id string) error {
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: submission %s", ErrNotFound, id)
	}
	return nil
}

func (c *RESTStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
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

// IsNotFound reports whether err means the remote has no such record.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound
}

func (c *RESTStore) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
