package api

import (
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/repository"
	"net/http"
)

// runJobRequest is the body of POST /api/jobs/run.
type runJobRequest struct {
	SpecName    string         `json:"spec_name"`
	RuntimeArgs map[string]any `json:"runtime_args"`
	Queue       string         `json:"queue"`
	CreatedBy   string         `json:"created_by"`
}

// RunJob handles POST /api/jobs/run.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	var req runJobRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = createdByFromContext(r.Context())
	}

	job, err := h.jobs.Run(r.Context(), req.SpecName, req.RuntimeArgs, createdBy, req.Queue)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.queues.Wake()
	h.writeJSON(w, http.StatusAccepted, job)
}

// ListJobs handles GET /api/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	filter := repository.JobFilter{
		ExcludeStatus: excludeStatusFilter(r),
		QueueName:     r.URL.Query().Get("queue"),
		Page:          page,
		PerPage:       perPage,
	}
	jobs, total, err := h.repo.ListJobs(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse[*domain.Job]{Items: jobs, Total: total, Page: page, PerPage: perPage})
}

// GetJob handles GET /api/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.repo.GetJob(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("job", id))
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob handles PUT /api/jobs/{id}/cancel. joblifecycle.Controller.Cancel
// fully resolves a Pending job; for a Running one it returns the job
// unchanged and this handler forwards the cancel to the assigned worker
// over the Worker Transport Client — the worker's subsequent terminal
// status report is what actually ends the job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if job.Status == domain.JobRunning && job.AssignedWorker != "" && h.transport != nil {
		if worker, werr := h.repo.GetWorker(r.Context(), job.AssignedWorker); werr == nil {
			if cerr := h.transport.Cancel(r.Context(), worker, id); cerr != nil {
				h.handleError(w, r, cerr)
				return
			}
		}
	}
	h.writeJSON(w, http.StatusOK, job)
}

// RetryJob handles PUT /api/jobs/{id}/retry.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	next, err := h.jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.queues.Wake()
	h.writeJSON(w, http.StatusOK, map[string]string{"new_job_id": next.ID})
}

// moveJobRequest is the body of PUT /api/jobs/{id}/move.
type moveJobRequest struct {
	NewQueue string `json:"new_queue"`
}

// MoveJob handles PUT /api/jobs/{id}/move.
func (h *Handler) MoveJob(w http.ResponseWriter, r *http.Request) {
	var req moveJobRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	job, err := h.jobs.Move(r.Context(), r.PathValue("id"), req.NewQueue)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.queues.Wake()
	h.writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/jobs/{id}.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobStatistics handles GET /api/jobs/statistics/summary.
func (h *Handler) JobStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.JobStats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// listResponse is the common envelope for paginated list endpoints.
type listResponse[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}
