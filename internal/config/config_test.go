package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheetmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, ProfileCustom, cfg.Profile)
	assert.Equal(t, "", cfg.StateDSN)
	assert.True(t, cfg.WatchState)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 60, cfg.HTTP.RateLimitMax)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodyBytes)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
addr: 127.0.0.1:9090
stateDsn: sqlite:///var/lib/sheetmirror/state.db
watchState: false
remote:
  dsn: https://example.supabase.co
  apiKey: anon-key
  timeout: 3s
http:
  jwtSecret: s3cret
  rateLimitWindow: 30s
  allowedOrigins: [admin.example.com]
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, "sqlite:///var/lib/sheetmirror/state.db", cfg.StateDSN)
	assert.False(t, cfg.WatchState)
	assert.Equal(t, "https://example.supabase.co", cfg.Remote.DSN)
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RateLimitWindow)
	assert.Equal(t, []string{"admin.example.com"}, cfg.HTTP.AllowedOrigins)
	// untouched keys keep their defaults
	assert.Equal(t, 60, cfg.HTTP.RateLimitMax)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := writeConfig(t, "adress: :9090\n")
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "addr: :7000\nhttp:\n  rateLimitMax: 5\n")
	t.Setenv("SHEETMIRROR_ADDR", ":7001")
	t.Setenv("SHEETMIRROR_RATE_LIMIT_MAX", "9")
	t.Setenv("SHEETMIRROR_REMOTE_TIMEOUT", "250ms")
	t.Setenv("SHEETMIRROR_WATCH_STATE", "false")
	t.Setenv("SHEETMIRROR_ALLOWED_ORIGINS", "a.example.com, b.example.com,")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Addr)
	assert.Equal(t, 9, cfg.HTTP.RateLimitMax)
	assert.Equal(t, 250*time.Millisecond, cfg.Remote.Timeout)
	assert.False(t, cfg.WatchState)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.HTTP.AllowedOrigins)
}

func TestInvalidEnvFallsBackAndWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	t.Setenv("SHEETMIRROR_RATE_LIMIT_MAX", "lots")
	t.Setenv("SHEETMIRROR_RATE_LIMIT_WINDOW", "soon")

	cfg, err := Load("", zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.HTTP.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.HTTP.RateLimitWindow)
	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, "SHEETMIRROR_RATE_LIMIT_MAX", logs.All()[0].ContextMap()["name"])
}

func TestStateFileEnvIsAStateDSN(t *testing.T) {
	t.Setenv("SHEETMIRROR_STATE_FILE", "/tmp/mirror.json")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mirror.json", cfg.StateDSN)
	assert.Equal(t, "/tmp/mirror.json", cfg.StateFilePath())
}

func TestProfiles(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		t.Setenv("SHEETMIRROR_BACKEND_PROFILE", "inmemory")
		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, ProfileMemory, cfg.Profile)
		assert.Equal(t, "memory://", cfg.StateDSN)
		assert.Equal(t, "memory://", cfg.PendingQueueDSN)
		assert.Equal(t, "", cfg.StateFilePath())
	})

	t.Run("durable-local", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("SHEETMIRROR_BACKEND_PROFILE", "durable-local")
		t.Setenv("SHEETMIRROR_DATA_DIR", dir)
		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(dir, "state.json"), cfg.StateDSN)
		assert.Equal(t, "file://"+filepath.Join(dir, "pending-queue.json"), cfg.PendingQueueDSN)
		assert.Equal(t, filepath.Join(dir, "state.json"), cfg.StateFilePath())
	})

	t.Run("durable-local keeps explicit dsn", func(t *testing.T) {
		t.Setenv("SHEETMIRROR_BACKEND_PROFILE", "durable-local")
		t.Setenv("SHEETMIRROR_STATE_BACKEND_DSN", "sqlite:///data/state.db")
		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, "sqlite:///data/state.db", cfg.StateDSN)
	})

	t.Run("production", func(t *testing.T) {
		t.Setenv("SHEETMIRROR_BACKEND_PROFILE", "prod")
		t.Setenv("SHEETMIRROR_POSTGRES_DSN", "postgres://mirror@db/mirror?sslmode=disable")
		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, ProfileProduction, cfg.Profile)
		assert.Equal(t, "postgres://mirror@db/mirror?sslmode=disable", cfg.StateDSN)
		assert.Equal(t, "file://"+filepath.Join(".sheetmirror", "pending-queue.json"), cfg.PendingQueueDSN)
	})

	t.Run("production without dsn", func(t *testing.T) {
		t.Setenv("SHEETMIRROR_BACKEND_PROFILE", "production")
		_, err := Load("", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SHEETMIRROR_PRODUCTION_DSN")
	})

	t.Run("unknown", func(t *testing.T) {
		t.Setenv("SHEETMIRROR_BACKEND_PROFILE", "cloud")
		_, err := Load("", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported SHEETMIRROR_BACKEND_PROFILE: cloud")
	})
}

func TestValidateReportsFieldNames(t *testing.T) {
	cfg := Default()
	cfg.Addr = ""
	cfg.HTTP.RateLimitMax = -1
	cfg.HTTP.AllowedOrigins = []string{""}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'Config.addr' failed validation: this field is required")
	assert.Contains(t, err.Error(), "'Config.http.rateLimitMax' failed validation: must be at least 0")
	assert.Contains(t, err.Error(), "Config.http.allowedOrigins[0]")
}
