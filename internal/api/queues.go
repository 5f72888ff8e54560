package api

import (
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"net/http"
	"time"
)

// CreateQueue handles POST /api/queues.
func (h *Handler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var q domain.Queue
	if err := h.decodeJSON(w, r, &q); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.queues.CreateQueue(r.Context(), &q); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &q)
}

// ListQueues handles GET /api/queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.repo.ListQueues(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, queues)
}

// GetQueue handles GET /api/queues/{id}.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	queue, err := h.repo.GetQueue(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("queue", id))
		return
	}
	h.writeJSON(w, http.StatusOK, queue)
}

// UpdateQueue handles PUT /api/queues/{id}.
func (h *Handler) UpdateQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.repo.GetQueue(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("queue", id))
		return
	}
	var req domain.Queue
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	existing.Name = req.Name
	existing.Description = req.Description
	existing.Priority = req.Priority
	existing.Strategy = req.Strategy
	existing.UpdatedAt = time.Now()
	if err := h.queues.UpdateQueue(r.Context(), existing); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, existing)
}

// DeleteQueue handles DELETE /api/queues/{id}.
func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queues.DeleteQueue(r.Context(), r.PathValue("id")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queueTransition is shared by the start/stop/pause routes.
func (h *Handler) queueTransition(to domain.QueueState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue, err := h.queues.Transition(r.Context(), r.PathValue("id"), to)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, queue)
	}
}

// StartQueue handles POST /api/queues/{id}/start.
func (h *Handler) StartQueue(w http.ResponseWriter, r *http.Request) { h.queueTransition(domain.QueueStarted)(w, r) }

// StopQueue handles POST /api/queues/{id}/stop.
func (h *Handler) StopQueue(w http.ResponseWriter, r *http.Request) { h.queueTransition(domain.QueueStopped)(w, r) }

// PauseQueue handles POST /api/queues/{id}/pause.
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) { h.queueTransition(domain.QueuePaused)(w, r) }

// QueueWorkers handles GET /api/queues/{id}/workers.
func (h *Handler) QueueWorkers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.repo.GetQueue(r.Context(), id); err != nil {
		h.handleError(w, r, apperrors.NotFound("queue", id))
		return
	}
	workers, err := h.repo.WorkersForQueue(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workers)
}

// AssignWorkerToQueue handles POST /api/queues/{id}/workers/{worker_id}.
func (h *Handler) AssignWorkerToQueue(w http.ResponseWriter, r *http.Request) {
	queueID, workerID := r.PathValue("id"), r.PathValue("worker_id")
	if err := h.repo.AssignWorkerToQueue(r.Context(), queueID, workerID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.queues.Wake()
	w.WriteHeader(http.StatusNoContent)
}

// UnassignWorkerFromQueue handles DELETE /api/queues/{id}/workers/{worker_id}.
func (h *Handler) UnassignWorkerFromQueue(w http.ResponseWriter, r *http.Request) {
	queueID, workerID := r.PathValue("id"), r.PathValue("worker_id")
	if err := h.repo.UnassignWorkerFromQueue(r.Context(), queueID, workerID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulkAssignRequest is the body of POST /api/queues/{id}/workers/bulk.
type bulkAssignRequest struct {
	WorkerIDs []string `json:"worker_ids"`
}

// BulkAssignWorkers handles POST /api/queues/{id}/workers/bulk.
func (h *Handler) BulkAssignWorkers(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("id")
	var req bulkAssignRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for _, workerID := range req.WorkerIDs {
		if err := h.repo.AssignWorkerToQueue(r.Context(), queueID, workerID); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	h.queues.Wake()
	w.WriteHeader(http.StatusNoContent)
}
