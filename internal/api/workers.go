package api

import (
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"net/http"
	"time"
)

// CreateWorker handles POST /api/workers.
func (h *Handler) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var worker domain.Worker
	if err := h.decodeJSON(w, r, &worker); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := h.workers.Register(r.Context(), &worker)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListWorkers handles GET /api/workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.repo.ListWorkers(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workers)
}

// GetWorker handles GET /api/workers/{id}.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	worker, err := h.repo.GetWorker(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("worker", id))
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

// UpdateWorker handles PUT /api/workers/{id}.
func (h *Handler) UpdateWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.repo.GetWorker(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("worker", id))
		return
	}
	var req domain.Worker
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	existing.MaxJobs = req.MaxJobs
	existing.Hostname = req.Hostname
	existing.IPAddress = req.IPAddress
	existing.Port = req.Port
	existing.UpdatedAt = time.Now()
	if err := h.workers.Update(r.Context(), existing); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, existing)
}

// DeleteWorker handles DELETE /api/workers/{id}.
func (h *Handler) DeleteWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.workers.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) workerTransition(to domain.WorkerState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker, err := h.workers.Transition(r.Context(), r.PathValue("id"), to)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, worker)
	}
}

// StartWorker handles POST /api/workers/{id}/start.
func (h *Handler) StartWorker(w http.ResponseWriter, r *http.Request) { h.workerTransition(domain.WorkerStarted)(w, r) }

// StopWorker handles POST /api/workers/{id}/stop.
func (h *Handler) StopWorker(w http.ResponseWriter, r *http.Request) { h.workerTransition(domain.WorkerStopped)(w, r) }

// PauseWorker handles POST /api/workers/{id}/pause.
func (h *Handler) PauseWorker(w http.ResponseWriter, r *http.Request) { h.workerTransition(domain.WorkerPaused)(w, r) }

// GetMonitoring handles GET /api/workers/monitoring.
func (h *Handler) GetMonitoring(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]int{"interval": int(h.workers.ProbeInterval().Seconds())})
}

// monitoringRequest is the body of PUT /api/workers/monitoring.
type monitoringRequest struct {
	Interval int `json:"interval"` // seconds, clamped to [5,300]
}

// SetMonitoring handles PUT /api/workers/monitoring.
func (h *Handler) SetMonitoring(w http.ResponseWriter, r *http.Request) {
	var req monitoringRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.workers.SetProbeInterval(time.Duration(req.Interval) * time.Second)
	h.writeJSON(w, http.StatusOK, map[string]int{"interval": int(h.workers.ProbeInterval().Seconds())})
}

// DeploymentStatus handles GET /api/workers/deployment-status/{deployment_id}.
func (h *Handler) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deployment_id")
	deployment, err := h.repo.GetDeployment(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("deployment", id))
		return
	}
	h.writeJSON(w, http.StatusOK, deployment)
}
