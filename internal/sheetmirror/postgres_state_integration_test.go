package sheetmirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*SQLStateBackend)
	table := fmt.Sprintf("sheetmirror_state_it_%d", time.Now().UnixNano())
	pg.dialect = postgresStateDialect(table)
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, table)
	})

	assertBackendRoundTrip(t, backend)

	store := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	row, err := store.AppendSubmission(Submission{Data: FieldValues{"name": "pg"}}, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, _, ok := store.FindRow(row.ID); !ok {
		t.Fatalf("expected row %s after reload", row.ID)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SHEETMIRROR_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SHEETMIRROR_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationDropTable(t *testing.T, dsn, table string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("open postgres for cleanup: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(table)); err != nil {
		t.Logf("drop %s: %v", table, err)
	}
}
