package sheetmirror

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	stateTableName        = "sheetmirror_state"
	sqlOperationTimeout   = 5 * time.Second
	postgresDriverName    = "postgres"
	sqliteDriverName      = "sqlite3"
	sqliteDefaultFilename = "sheetmirror.db"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driverName  string
	createTable string
	selectAll   string
	upsert      string
}

func postgresStateDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driverName: postgresDriverName,
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		selectAll: fmt.Sprintf("SELECT state_key, value FROM %s", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (state_key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (state_key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, quoted),
	}
}

func sqliteStateDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driverName: sqliteDriverName,
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`, quoted),
		selectAll: fmt.Sprintf("SELECT state_key, value FROM %s", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (state_key, value, updated_at)
			VALUES (?, ?, unixepoch())
			ON CONFLICT (state_key)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, quoted),
	}
}

// SQLStateBackend stores one row per state key. It backs both the sqlite and
// the postgres DSNs.
type SQLStateBackend struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dsn:     dsn,
		dialect: postgresStateDialect(stateTableName),
		openDB:  sql.Open,
	}, nil
}

// NewSQLiteStateBackend opens a sqlite database file. ":memory:" is accepted
// for throwaway state.
func NewSQLiteStateBackend(filename string) (StateBackend, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = sqliteDefaultFilename
	}
	return &SQLStateBackend{
		dsn:     filename,
		dialect: sqliteStateDialect(stateTableName),
		openDB:  sql.Open,
	}, nil
}

func (b *SQLStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, b.dialect.selectAll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshot persistedState
	found := false
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		snapshot.set(key, value)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snapshot, nil
}

func (b *SQLStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, key := range stateKeys {
		if _, err := tx.ExecContext(ctx, b.dialect.upsert, key, state.get(key)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (b *SQLStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driverName, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driverName == sqliteDriverName {
			// sqlite allows a single writer.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.dialect.createTable); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
