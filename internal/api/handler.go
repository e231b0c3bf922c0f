// Package api provides the operator HTTP surface: liveness, session status
// and the lifecycle event stream.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/events"
	"github.com/ashureev/lelo-bot/internal/session"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// StatusSource reports the supervisor snapshot.
type StatusSource interface {
	Status() session.Status
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventSource streams lifecycle events until ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan events.Event, error)
}

// Handler serves the operator endpoints.
type Handler struct {
	status  StatusSource
	store   Pinger
	events  EventSource
	origins []string
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a Handler. events may be nil, which disables the
// websocket feed.
func NewHandler(status StatusSource, store Pinger, events EventSource, origins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		status:  status,
		store:   store,
		events:  events,
		origins: origins,
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterRoutes registers every operator route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Liveness)
	r.Get("/health", h.Health)
	r.Get("/session", h.Session)
	if h.events != nil {
		r.Get("/ws/events", h.Events)
	}
}

// Liveness answers as long as the process serves HTTP.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// Health reports the credential store and session state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	st := h.status.Status()
	checks := map[string]string{
		"api":     "ok",
		"session": string(st.State),
	}
	status := "healthy"
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		checks["store"] = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if st.State == domain.StateFailed {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// Session returns the supervisor snapshot.
func (h *Handler) Session(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.status.Status())
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
