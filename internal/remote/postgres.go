package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/lib/pq"
)

const postgresSchemaTimeout = 5 * time.Second

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS form_configurations (
		form_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		fields JSONB NOT NULL DEFAULT '[]',
		submit_text TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS form_submissions (
		id TEXT PRIMARY KEY,
		form_id TEXT,
		form_title TEXT NOT NULL DEFAULT '',
		submission_data JSONB NOT NULL DEFAULT '{}',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS custom_qa (
		id TEXT PRIMARY KEY,
		question_keywords TEXT[] NOT NULL DEFAULT '{}',
		response_text TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		is_form BOOLEAN NOT NULL DEFAULT FALSE,
		form_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore talks to the remote tables directly. The tables are created
// on first use; a failed connection is retried on the next call.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, sheetmirror.ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PostgresStore) SaveSubmission(ctx context.Context, submission sheetmirror.Submission) error {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}
	rec := newSubmissionRecord(submission)
	data, err := json.Marshal(rec.SubmissionData)
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC()
	if rec.CreatedAt != nil {
		createdAt = *rec.CreatedAt
	}
	// Retries of a save that timed out after committing land on the same id.
	_, err = db.ExecContext(ctx, `
		INSERT INTO form_submissions (id, form_id, form_title, submission_data, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			form_id = EXCLUDED.form_id,
			form_title = EXCLUDED.form_title,
			submission_data = EXCLUDED.submission_data,
			user_agent = EXCLUDED.user_agent`,
		rec.ID, rec.FormID, rec.FormTitle, string(data), rec.UserAgent, createdAt)
	if err != nil {
		return fmt.Errorf("insert submission %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresStore) LoadSubmissions(ctx context.Context) ([]sheetmirror.Submission, error) {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, form_id, form_title, submission_data, user_agent, created_at
		FROM form_submissions
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []sheetmirror.Submission{}
	for rows.Next() {
		var (
			rec       submissionRecord
			formID    sql.NullString
			data      []byte
			createdAt time.Time
		)
		if err := rows.Scan(&rec.ID, &formID, &rec.FormTitle, &data, &rec.UserAgent, &createdAt); err != nil {
			return nil, err
		}
		if formID.Valid {
			rec.FormID = &formID.String
		}
		if err := json.Unmarshal(data, &rec.SubmissionData); err != nil {
			return nil, fmt.Errorf("decode submission %s: %w", rec.ID, err)
		}
		rec.CreatedAt = &createdAt
		out = append(out, rec.submission())
	}
	return out, rows.Err()
}

func (p *PostgresStore) LoadActiveSchema(ctx context.Context) (*sheetmirror.Schema, error) {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	var (
		rec    formConfigRecord
		fields []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT form_id, title, description, fields, submit_text
		FROM form_configurations
		WHERE is_active
		ORDER BY updated_at DESC
		LIMIT 1`).Scan(&rec.FormID, &rec.Title, &rec.Description, &fields, &rec.SubmitText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode form %s fields: %w", rec.FormID, err)
	}
	schema := rec.schema()
	return &schema, nil
}

// SaveSchema upserts schema as the only active form configuration.
func (p *PostgresStore) SaveSchema(ctx context.Context, schema sheetmirror.Schema) error {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}
	rec := newFormConfigRecord(schema)
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE form_configurations SET is_active = FALSE WHERE form_id <> $1 AND is_active`, rec.FormID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO form_configurations (form_id, title, description, fields, submit_text, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		ON CONFLICT (form_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			fields = EXCLUDED.fields,
			submit_text = EXCLUDED.submit_text,
			is_active = TRUE,
			updated_at = NOW()`,
		rec.FormID, rec.Title, rec.Description, string(fields), rec.SubmitText); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert form %s: %w", rec.FormID, err)
	}
	return tx.Commit()
}

// UpdateSubmission merges data into the stored submission_data object.
func (p *PostgresStore) UpdateSubmission(ctx context.Context, id string, data sheetmirror.FieldValues) error {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		data = sheetmirror.FieldValues{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE form_submissions SET submission_data = submission_data || $2::jsonb, updated_at = NOW() WHERE id = $1`, id, string(payload))
	if err != nil {
		return err
	}
	return expectAffected(res, id)
}

func (p *PostgresStore) DeleteSubmission(ctx context.Context, id string) error {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM form_submissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, id)
}

func (p *PostgresStore) LoadCustomQA(ctx context.Context) ([]sheetmirror.QAPair, error) {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, question_keywords, response_text, category, is_form, form_id
		FROM custom_qa
		WHERE is_active
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []sheetmirror.QAPair{}
	for rows.Next() {
		var (
			rec    customQARecord
			formID sql.NullString
		)
		if err := rows.Scan(&rec.ID, pq.Array(&rec.QuestionKeywords), &rec.ResponseText, &rec.Category, &rec.IsForm, &formID); err != nil {
			return nil, err
		}
		if formID.Valid {
			rec.FormID = &formID.String
		}
		out = append(out, rec.pair())
	}
	return out, rows.Err()
}

// SaveCustomQA deactivates the current list and upserts list as the active
// one.
func (p *PostgresStore) SaveCustomQA(ctx context.Context, list []sheetmirror.QAPair) error {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE custom_qa SET is_active = FALSE WHERE is_active`); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, qa := range list {
		rec := newCustomQARecord(qa)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custom_qa (id, question_keywords, response_text, category, is_form, form_id, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			ON CONFLICT (id) DO UPDATE SET
				question_keywords = EXCLUDED.question_keywords,
				response_text = EXCLUDED.response_text,
				category = EXCLUDED.category,
				is_form = EXCLUDED.is_form,
				form_id = EXCLUDED.form_id,
				is_active = TRUE`,
			rec.ID, pq.Array(rec.QuestionKeywords), rec.ResponseText, rec.Category, rec.IsForm, rec.FormID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert custom qa %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, postgresSchemaTimeout)
	defer cancel()
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(initCtx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare remote schema: %w", err)
		}
	}
	p.db = db
	return db, nil
}

func expectAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: submission %s", ErrNotFound, id)
	}
	return nil
}
