// Package config loads sheetmirror settings from an optional YAML file and
// SHEETMIRROR_* environment variables. The environment wins over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SHEETMIRROR_"

// Storage profiles fill in state and queue DSNs that were not set
// explicitly.
const (
	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

type Config struct {
	Addr             string        `yaml:"addr" validate:"required"`
	Profile          string        `yaml:"profile" validate:"omitempty,oneof=custom memory durable-local production"`
	DataDir          string        `yaml:"dataDir" validate:"required"`
	StateDSN         string        `yaml:"stateDsn"`
	PendingQueueDSN  string        `yaml:"pendingQueueDsn"`
	PendingQueueSize int           `yaml:"pendingQueueSize" validate:"gte=0"`
	ProductionDSN    string        `yaml:"productionDsn" validate:"required_if=Profile production"`
	WatchState       bool          `yaml:"watchState"`
	WatchDebounce    time.Duration `yaml:"watchDebounce" validate:"gte=0"`
	Remote           Remote        `yaml:"remote"`
	HTTP             HTTP          `yaml:"http"`
}

type Remote struct {
	DSN             string        `yaml:"dsn"`
	APIKey          string        `yaml:"apiKey"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSyncAttempts int           `yaml:"maxSyncAttempts" validate:"gte=0"`
	RetryDelay      time.Duration `yaml:"retryDelay" validate:"gte=0"`
	MaxRetryDelay   time.Duration `yaml:"maxRetryDelay" validate:"gte=0"`
}

type HTTP struct {
	JWTSecret       string        `yaml:"jwtSecret"`
	RateLimitMax    int           `yaml:"rateLimitMax" validate:"gte=0"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow" validate:"gte=0"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes" validate:"gte=0"`
	AllowedOrigins  []string      `yaml:"allowedOrigins" validate:"dive,required"`
}

// Default is the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Addr:       ":8080",
		Profile:    ProfileCustom,
		DataDir:    ".sheetmirror",
		WatchState: true,
		Remote: Remote{
			Timeout: 10 * time.Second,
		},
		HTTP: HTTP{
			RateLimitMax:    60,
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
		},
	}
}

// Load reads path (skipped when empty), applies the environment, resolves the
// storage profile and validates the result.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, logger)
	if err := cfg.resolveProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, logger *zap.Logger) {
	cfg.Addr = stringEnv("ADDR", cfg.Addr)
	cfg.Profile = strings.ToLower(stringEnv("BACKEND_PROFILE", cfg.Profile))
	cfg.DataDir = stringEnv("DATA_DIR", cfg.DataDir)
	cfg.StateDSN = stringEnv("STATE_BACKEND_DSN", stringEnv("STATE_FILE", cfg.StateDSN))
	cfg.PendingQueueDSN = stringEnv("PENDING_QUEUE_DSN", cfg.PendingQueueDSN)
	cfg.PendingQueueSize = intEnv(logger, "PENDING_QUEUE_SIZE", cfg.PendingQueueSize)
	cfg.ProductionDSN = stringEnv("PRODUCTION_DSN", stringEnv("POSTGRES_DSN", cfg.ProductionDSN))
	cfg.WatchState = boolEnv(logger, "WATCH_STATE", cfg.WatchState)
	cfg.WatchDebounce = durationEnv(logger, "WATCH_DEBOUNCE", cfg.WatchDebounce)

	cfg.Remote.DSN = stringEnv("REMOTE_DSN", cfg.Remote.DSN)
	cfg.Remote.APIKey = stringEnv("REMOTE_API_KEY", cfg.Remote.APIKey)
	cfg.Remote.Timeout = durationEnv(logger, "REMOTE_TIMEOUT", cfg.Remote.Timeout)
	cfg.Remote.MaxSyncAttempts = intEnv(logger, "MAX_SYNC_ATTEMPTS", cfg.Remote.MaxSyncAttempts)
	cfg.Remote.RetryDelay = durationEnv(logger, "SYNC_RETRY_DELAY", cfg.Remote.RetryDelay)
	cfg.Remote.MaxRetryDelay = durationEnv(logger, "SYNC_MAX_RETRY_DELAY", cfg.Remote.MaxRetryDelay)

	cfg.HTTP.JWTSecret = stringEnv("JWT_SECRET", cfg.HTTP.JWTSecret)
	cfg.HTTP.RateLimitMax = intEnv(logger, "RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = durationEnv(logger, "RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)
	cfg.HTTP.MaxBodyBytes = int64Env(logger, "MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)
	if raw := stringEnv("ALLOWED_ORIGINS", ""); raw != "" {
		var origins []string
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.HTTP.AllowedOrigins = origins
	}
}

// resolveProfile fills the state and pending queue DSNs the profile implies.
// Explicit DSNs are left alone.
func (c *Config) resolveProfile() error {
	switch c.Profile {
	case "", ProfileCustom:
		c.Profile = ProfileCustom
		return nil
	case ProfileMemory, "inmemory":
		c.Profile = ProfileMemory
		c.StateDSN = orDefault(c.StateDSN, "memory://")
		c.PendingQueueDSN = orDefault(c.PendingQueueDSN, "memory://")
	case ProfileDurableLocal, "local-durable":
		c.Profile = ProfileDurableLocal
		c.StateDSN = orDefault(c.StateDSN, "file://"+filepath.Join(c.DataDir, "state.json"))
		c.PendingQueueDSN = orDefault(c.PendingQueueDSN, "file://"+filepath.Join(c.DataDir, "pending-queue.json"))
	case ProfileProduction, "prod":
		c.Profile = ProfileProduction
		if strings.TrimSpace(c.ProductionDSN) == "" {
			return fmt.Errorf("%sPRODUCTION_DSN or %sPOSTGRES_DSN is required when %sBACKEND_PROFILE=%s", envPrefix, envPrefix, envPrefix, c.Profile)
		}
		c.StateDSN = orDefault(c.StateDSN, c.ProductionDSN)
		// The pending queue has no postgres backend; it stays on local disk.
		c.PendingQueueDSN = orDefault(c.PendingQueueDSN, "file://"+filepath.Join(c.DataDir, "pending-queue.json"))
	default:
		return fmt.Errorf("unsupported %sBACKEND_PROFILE: %s", envPrefix, c.Profile)
	}
	return nil
}

// StateFilePath is the host path of a JSON-file state DSN, or "" when the
// state lives elsewhere. The state watcher only runs when it is set.
func (c Config) StateFilePath() string {
	dsn := strings.TrimSpace(c.StateDSN)
	switch {
	case dsn == "":
		return ""
	case strings.HasPrefix(dsn, "file://"):
		return strings.TrimPrefix(dsn, "file://")
	case strings.Contains(dsn, "://"):
		return ""
	default:
		return dsn
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("field '%s' failed validation: %s", fe.Namespace(), describe(fe)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "this field is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return fe.Tag()
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(envPrefix + name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer env, using fallback", zap.String("name", envPrefix+name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(logger *zap.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid integer env, using fallback", zap.String("name", envPrefix+name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration env, using fallback", zap.String("name", envPrefix+name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func boolEnv(logger *zap.Logger, name string, fallback bool) bool {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid boolean env, using fallback", zap.String("name", envPrefix+name), zap.String("value", raw), zap.Bool("fallback", fallback))
		return fallback
	}
	return value
}
