package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/config"
	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 6, 11, 9, 30, 15, 0, time.UTC)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedState writes a mirror with one form sheet and one submission and
// points the CLI at it.
func seedState(t *testing.T) (path string, sheet string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "state.json")
	store := sheetmirror.NewStoreWithOptions(sheetmirror.StoreOptions{
		StateBackend: sheetmirror.NewJSONFileStateBackend(path),
		Now:          func() time.Time { return fixedNow },
	})
	schema, sheet, err := store.SaveFormConfiguration(sheetmirror.Schema{
		ID:    "form_contact",
		Title: "Contact Information",
		Fields: []sheetmirror.Field{
			{ID: "email", Type: sheetmirror.FieldEmail, Label: "Email Address", Required: true},
		},
	})
	if err != nil {
		t.Fatalf("save form: %v", err)
	}
	if _, err := store.AppendSubmission(sheetmirror.Submission{
		ID:        "424242",
		FormID:    schema.ID,
		FormTitle: schema.Title,
		Data:      sheetmirror.FieldValues{"email": "a@b.co"},
		Timestamp: fixedNow,
	}, &schema); err != nil {
		t.Fatalf("append submission: %v", err)
	}
	store.Close()
	t.Setenv("SHEETMIRROR_STATE_BACKEND_DSN", path)
	return path, sheet
}

func TestReadCommandsNeedState(t *testing.T) {
	t.Setenv("SHEETMIRROR_STATE_BACKEND_DSN", "")
	_, err := runCLI(t, "sheets")
	if err == nil || !strings.Contains(err.Error(), "no mirror state configured") {
		t.Fatalf("expected missing state error, got %v", err)
	}
}

func TestSheetsCommandListsSheets(t *testing.T) {
	_, sheet := seedState(t)

	out, err := runCLI(t, "sheets", "--json")
	if err != nil {
		t.Fatalf("sheets: %v", err)
	}
	var listed []sheetmirror.SheetMetadata
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode sheets output %q: %v", out, err)
	}
	if len(listed) != 1 || listed[0].Name != sheet || listed[0].RowCount != 1 || !listed[0].IsActive {
		t.Fatalf("unexpected sheets: %+v", listed)
	}

	out, err = runCLI(t, "sheets")
	if err != nil {
		t.Fatalf("sheets table: %v", err)
	}
	if !strings.HasPrefix(out, "NAME") || !strings.Contains(out, sheet) {
		t.Fatalf("unexpected table output:\n%s", out)
	}
}

func TestRowsCommandAcceptsNameOrID(t *testing.T) {
	_, sheet := seedState(t)

	for _, arg := range []string{sheet, sheetmirror.ParseSheetID(sheet)} {
		out, err := runCLI(t, "rows", arg)
		if err != nil {
			t.Fatalf("rows %s: %v", arg, err)
		}
		var rows []sheetmirror.Row
		if err := json.Unmarshal([]byte(out), &rows); err != nil {
			t.Fatalf("decode rows output: %v", err)
		}
		if len(rows) != 1 || rows[0].ID != "424242" || rows[0].Value("Email Address") != "a@b.co" {
			t.Fatalf("unexpected rows for %s: %+v", arg, rows)
		}
	}

	if _, err := runCLI(t, "rows", "Missing_000000_20240101"); err == nil {
		t.Fatalf("expected error for unknown sheet")
	}
}

func TestExportCommandWritesWorkbook(t *testing.T) {
	seedState(t)
	dir := t.TempDir()

	target := filepath.Join(dir, "out", "mirror.xlsx")
	out, err := runCLI(t, "export", "--out", target)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "wrote "+target) {
		t.Fatalf("unexpected output %q", out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read workbook: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("expected a zip container")
	}

	report := filepath.Join(dir, "report.xlsx")
	if _, err := runCLI(t, "export", "--report", "--out", report); err != nil {
		t.Fatalf("export report: %v", err)
	}
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("expected report file: %v", err)
	}

	if _, err := runCLI(t, "export", "--grouped", "--report"); err == nil {
		t.Fatalf("expected flag conflict error")
	}
	if _, err := runCLI(t, "export", "--form-type", "Contact Information"); err == nil {
		t.Fatalf("expected --form-type without --grouped to fail")
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("SHEETMIRROR_JWT_SECRET", "")
	if _, err := runCLI(t, "token"); err == nil {
		t.Fatalf("expected error without a secret")
	}

	t.Setenv("SHEETMIRROR_JWT_SECRET", "cli-secret")
	out, err := runCLI(t, "token", "--subject", "ops", "--scope", "admin:read")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Fatalf("expected a compact jwt, got %q", out)
	}
}

func TestBuildWithoutRemoteIsLocalOnly(t *testing.T) {
	a := &app{
		logger: zap.NewNop(),
		now:    func() time.Time { return fixedNow },
		cfg:    config.Default(),
	}
	a.cfg.StateDSN = "memory://"
	a.cfg.PendingQueueDSN = "memory://"

	c, err := a.build(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.close()

	if c.watcher != nil {
		t.Fatalf("expected no watcher for a memory backend")
	}
	result, err := c.syncer.Submit(context.Background(), sheetmirror.Submission{
		FormTitle: "Feedback",
		Data:      sheetmirror.FieldValues{"rating": "5"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Persisted != sheetmirror.PersistedLocalOnly || result.Queued {
		t.Fatalf("expected unqueued local-only write, got %+v", result)
	}
	if c.syncer.PendingDepth() != 0 {
		t.Fatalf("expected empty pending queue, got %d", c.syncer.PendingDepth())
	}
}

func TestBuildRejectsUnknownRemote(t *testing.T) {
	a := &app{logger: zap.NewNop(), now: time.Now, cfg: config.Default()}
	a.cfg.Remote.DSN = "ftp://example.com"
	if _, err := a.build(prometheus.NewRegistry()); err == nil || !strings.Contains(err.Error(), "unsupported remote scheme") {
		t.Fatalf("expected remote scheme error, got %v", err)
	}
}
