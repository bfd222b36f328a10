// Package api provides the HTTP API for regq.
// It exposes REST endpoints over the registration queue and SSE streams for
// record changes and log lines.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/presentation"
	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/tracing"
)

// RecordService is the queue surface the API exposes. queue.Service
// implements it.
type RecordService interface {
	Enqueue(ctx context.Context, phoneNumber, pukLastFour, fullName, cne string) (*domain.Record, error)
	Get(ctx context.Context, id int64) (*domain.Record, error)
	GetByPhone(ctx context.Context, phoneNumber string) (*domain.Record, error)
	List(ctx context.Context) ([]*domain.Record, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Record, error)
	Retry(ctx context.Context, id int64) (*domain.Record, error)
	Cancel(ctx context.Context, id int64) (*domain.Record, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// EventSource streams record changes. queue.Feed implements it.
type EventSource interface {
	SubscribeStatus(ctx context.Context, statuses ...domain.Status) <-chan queue.RecordEvent
}

// Handler provides HTTP endpoints for queue operations.
type Handler struct {
	records   RecordService
	events    EventSource
	gatherer  prometheus.Gatherer
	tracer    trace.Tracer
	logStream LogSource
	heartbeat time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Records serves the REST endpoints (required).
	Records RecordService
	// Events feeds GET /events. The endpoint returns 503 when nil.
	Events EventSource
	// Gatherer is exposed at GET /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// Tracer wraps each request in a server span (optional).
	Tracer trace.Tracer
	// LogStream feeds GET /logs. Defaults to log.SubscribeMatching.
	LogStream LogSource
	// Heartbeat is the SSE keep-alive interval. Defaults to 30s.
	Heartbeat time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		records:   cfg.Records,
		events:    cfg.Events,
		gatherer:  cfg.Gatherer,
		tracer:    cfg.Tracer,
		logStream: cfg.LogStream,
		heartbeat: cfg.Heartbeat,
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}
	if h.logStream == nil {
		h.logStream = log.SubscribeMatching
	}
	if h.heartbeat <= 0 {
		h.heartbeat = 30 * time.Second
	}
	return h
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(tracing.HTTPMiddleware(h.tracer))
	r.Use(requestLogger)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Delete("/", h.Clear)
		r.Get("/phone/{phone}", h.GetByPhone)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Post("/{id}/retry", h.Retry)
		r.Post("/{id}/cancel", h.Cancel)
	})
	r.Get("/stats", h.Stats)

	r.Get("/events", h.StreamEvents)
	r.Get("/logs", h.StreamLogs)

	return r
}

// === Request/Response Types ===

// CreateRecordRequest is the request body for enqueueing a registration.
type CreateRecordRequest struct {
	PhoneNumber string `json:"phone_number"`
	PukLastFour string `json:"puk_last_four"`
	FullName    string `json:"full_name"`
	Cne         string `json:"cne"`
}

// ListRecordsResponse is the response body for listing records.
type ListRecordsResponse struct {
	Records []presentation.RecordDTO `json:"records"`
	Total   int                      `json:"total"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Total  int    `json:"total,omitempty"`
}

// === Handlers ===

// Health reports whether the record store answers.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.records.Stats(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Total: stats.Total})
}

// List returns all records, or those in ?status=.
// GET /records
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var (
		records []*domain.Record
		err     error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := parseStatus(raw)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(raw))
			return
		}
		records, err = h.records.ListByStatus(r.Context(), status)
	} else {
		records, err = h.records.List(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListRecordsResponse{
		Records: presentation.FromDomainRecords(records),
		Total:   len(records),
	})
}

// Create validates and enqueues one registration.
// POST /records
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	rec, err := h.records.Enqueue(r.Context(), req.PhoneNumber, req.PukLastFour, req.FullName, req.Cne)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, presentation.FromDomainRecord(rec))
}

// Get returns one record.
// GET /records/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (*domain.Record, error) {
		return h.records.Get(r.Context(), id)
	})
}

// GetByPhone returns the most recent record for a phone number.
// GET /records/phone/{phone}
func (h *Handler) GetByPhone(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.GetByPhone(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, presentation.FromDomainRecord(rec))
}

// Retry requeues a FAILED or CANCELLED record.
// POST /records/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (*domain.Record, error) {
		return h.records.Retry(r.Context(), id)
	})
}

// Cancel stops a PENDING or IN_PROGRESS record.
// POST /records/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (*domain.Record, error) {
		return h.records.Cancel(r.Context(), id)
	})
}

// Delete removes one record.
// DELETE /records/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.records.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear removes every record.
// DELETE /records
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.records.Clear(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns per-status counts.
// GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.records.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, presentation.FromStats(stats))
}

// === Helpers ===

func (h *Handler) withID(w http.ResponseWriter, r *http.Request, fn func(int64) (*domain.Record, error)) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	rec, err := fn(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, presentation.FromDomainRecord(rec))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "record id must be a positive integer")
		return 0, false
	}
	return id, true
}

// parseStatus accepts canonical status names only, unlike domain.ParseStatus
// which is lenient with stored values.
func parseStatus(raw string) (domain.Status, bool) {
	s := domain.Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.IsValid()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// writeDomainError maps the typed domain errors to status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		input    *domain.InputError
		notFound *domain.RecordNotFoundError
		invalid  *domain.InvalidTransitionError
		conflict *domain.ConflictError
		store    *domain.StoreUnavailableError
	)
	switch {
	case errors.As(err, &input):
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid registration", input.Reasons...)
	case errors.As(err, &notFound):
		h.writeError(w, http.StatusNotFound, "not_found", notFound.Error())
	case errors.As(err, &invalid):
		h.writeError(w, http.StatusConflict, "invalid_transition", invalid.Error())
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, "conflict", conflict.Error())
	case errors.As(err, &store):
		log.ErrorErr(log.CatAPI, "Record store unavailable", err)
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "record store unavailable")
	default:
		log.ErrorErr(log.CatAPI, "Request failed", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug(log.CatAPI, "Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
