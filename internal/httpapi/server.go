package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/chat"
	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ServerConfig struct {
	// JWTSecret enables HS256 bearer auth on admin routes. Empty leaves them
	// open, which is only meant for local use.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
	// AllowedOrigins are host patterns accepted on websocket upgrades in
	// addition to the request's own host.
	AllowedOrigins []string
}

type Server struct {
	syncer      *sheetmirror.Syncer
	store       *sheetmirror.Store
	responder   *chat.Responder
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(syncer *sheetmirror.Syncer, responder *chat.Responder) *Server {
	return NewServerWithConfig(syncer, responder, ServerConfig{})
}

func NewServerWithConfig(syncer *sheetmirror.Syncer, responder *chat.Responder, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		syncer:      syncer,
		store:       syncer.Store(),
		responder:   responder,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
	if cfg.JWTSecret == "" {
		s.logger.Warn("admin routes are not protected: no jwt secret configured")
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withCorrelationID)
	r.Use(s.recoverPanics)
	r.Use(s.logRequests)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID(r.Context()))
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/admin", s.handleDashboard)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/forms/active", s.handleActiveForm)
		r.Get("/forms/templates", s.handleFormTemplates)
		r.With(s.rateLimit).Post("/submissions", s.handleSubmit)
		r.With(s.rateLimit).Post("/chat", s.handleChat)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeAdminRead))
			r.Get("/submissions", s.handleListSubmissions)
			r.Get("/sheets", s.handleListSheets)
			r.Get("/sheets/by-id/{id}", s.handleSheetByID)
			r.Get("/sheets/{name}", s.handleSheet)
			r.Get("/rows/{id}", s.handleGetRow)
			r.Get("/stats", s.handleStats)
			r.Get("/qa", s.handleListQA)
			r.Get("/export", s.handleExport)
			r.Get("/export/grouped", s.handleExportGrouped)
			r.Get("/export/report", s.handleExportReport)
			r.Get("/events", s.handleEvents)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeAdminWrite))
			r.Post("/forms", s.handleSaveForm)
			r.Post("/sheets/{name}/rows", s.handleAddRow)
			r.Patch("/rows/{id}", s.handleModifyRow)
			r.Delete("/rows/{id}", s.handleDeleteRow)
			r.Put("/qa", s.handleSaveQA)
		})
	})
	r.With(s.requireScope(ScopeAdminRead)).Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// LoadCustomQA primes the chat responder with the stored Q&A list.
func (s *Server) LoadCustomQA(ctx context.Context) sheetmirror.Source {
	result := s.syncer.LoadCustomQA(ctx)
	s.responder.SetCustomQA(result.Items)
	return result.Source
}

func (s *Server) now() time.Time {
	return s.cfg.Now()
}

type correlationKey struct{}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed by the websocket upgrade on /v1/events.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", correlationID(r.Context())),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID(r.Context()))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID(r.Context()))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID(r.Context()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeStoreError maps mirror errors onto the error envelope.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	id := correlationID(r.Context())
	var validationErr *sheetmirror.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "validation_failed",
			"message":       "validation failed",
			"fields":        validationErr.Fields,
			"correlationId": id,
		})
	case errors.Is(err, sheetmirror.ErrValidation), errors.Is(err, sheetmirror.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), id)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), id)
	}
}
