// Package api provides the HTTP API handlers and routing for the
// orchestrator: specs, jobs, queues, workers, their logs and realtime SSE
// streams, auth, and database configuration.
package api

import (
	"context"
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/auth"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/health"
	"dispatchcore/internal/joblifecycle"
	"dispatchcore/internal/observability"
	"dispatchcore/internal/queuemgr"
	"dispatchcore/internal/repository"
	"dispatchcore/internal/transport"
	"dispatchcore/internal/workermgr"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// maxRequestBodySize limits request bodies to 1 MB to prevent memory exhaustion.
const maxRequestBodySize = 1 << 20

// Handler holds every dependency the HTTP surface needs. It is deliberately
// a thin layer: validation and state transitions live in the
// joblifecycle/queuemgr/workermgr/auth packages, not here.
type Handler struct {
	repo      repository.Repository
	jobs      *joblifecycle.Controller
	queues    *queuemgr.Manager
	workers   *workermgr.Manager
	authSvc   *auth.Service
	transport *transport.Client
	hub       *eventbus.Hub
	tails     *eventbus.TailStore
	metrics   *observability.Metrics
	health    *health.Checker
}

// NewHandler wires a Handler over every component the API surface drives.
func NewHandler(
	repo repository.Repository,
	jobs *joblifecycle.Controller,
	queues *queuemgr.Manager,
	workers *workermgr.Manager,
	authSvc *auth.Service,
	transportClient *transport.Client,
	hub *eventbus.Hub,
	tails *eventbus.TailStore,
	metrics *observability.Metrics,
	healthChecker *health.Checker,
) *Handler {
	return &Handler{
		repo:      repo,
		jobs:      jobs,
		queues:    queues,
		workers:   workers,
		authSvc:   authSvc,
		transport: transportClient,
		hub:       hub,
		tails:     tails,
		metrics:   metrics,
		health:    healthChecker,
	}
}

// Livez handles GET /livez: 200 if the process is alive, no dependency checks.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz: 200 if the repository backend is reachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps a service-layer error to an HTTP status via apperrors.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// decodeJSON decodes a bounded request body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// pagination parses ?page&per_page, defaulting page to 1 and per_page to 20.
func pagination(r *http.Request) (page, perPage int) {
	page = 1
	perPage = 20
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			perPage = n
		}
	}
	return page, perPage
}

// excludeStatusFilter parses ?exclude_status=CSV into a JobFilter exclusion list.
func excludeStatusFilter(r *http.Request) []domain.JobStatus {
	raw := r.URL.Query().Get("exclude_status")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]domain.JobStatus, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, domain.JobStatus(p))
		}
	}
	return out
}

// contextKey avoids collisions with other packages' context values.
type contextKey int

const userContextKey contextKey = iota

// userFromContext returns the authenticated user AuthMiddleware attached to
// the request context, or nil if auth is disabled.
func userFromContext(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userContextKey).(*domain.User)
	return u
}

func createdByFromContext(ctx context.Context) string {
	if u := userFromContext(ctx); u != nil {
		return u.Username
	}
	return ""
}
