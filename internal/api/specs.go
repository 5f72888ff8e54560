package api

import (
	"dispatchcore/internal/apperrors"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/joblifecycle"
	"dispatchcore/internal/repository"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateSpec handles POST /api/specs.
func (h *Handler) CreateSpec(w http.ResponseWriter, r *http.Request) {
	var spec domain.JobSpecification
	if err := h.decodeJSON(w, r, &spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	spec.Command = strings.TrimRight(spec.Command, "\n")
	if err := joblifecycle.ValidateSpec(&spec); err != nil {
		h.handleError(w, r, err)
		return
	}
	spec.ID = uuid.NewString()
	now := time.Now()
	spec.CreatedAt = now
	spec.UpdatedAt = now
	if err := h.repo.CreateSpec(r.Context(), &spec); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &spec)
}

// ListSpecs handles GET /api/specs.
func (h *Handler) ListSpecs(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	specs, total, err := h.repo.ListSpecs(r.Context(), page, perPage)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse[*domain.JobSpecification]{Items: specs, Total: total, Page: page, PerPage: perPage})
}

// GetSpec handles GET /api/specs/{id}.
func (h *Handler) GetSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	spec, err := h.repo.GetSpec(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("spec", id))
		return
	}
	h.writeJSON(w, http.StatusOK, spec)
}

// UpdateSpec handles PUT /api/specs/{id}.
func (h *Handler) UpdateSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.repo.GetSpec(r.Context(), id)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("spec", id))
		return
	}

	var req domain.JobSpecification
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Command = strings.TrimRight(req.Command, "\n")
	if err := joblifecycle.ValidateSpec(&req); err != nil {
		h.handleError(w, r, err)
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.Command = req.Command
	existing.Callback = req.Callback
	existing.UpdatedAt = time.Now()
	if err := h.repo.UpdateSpec(r.Context(), existing); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, existing)
}

// DeleteSpec handles DELETE /api/specs/{id}. Rejects with Conflict if a
// Running job still references the spec.
func (h *Handler) DeleteSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.repo.DeleteSpec(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrRunningJobsBlockDelete) {
			h.handleError(w, r, apperrors.Conflict("spec", id, fmt.Sprintf("spec %q is referenced by a running job", id)))
			return
		}
		h.handleError(w, r, apperrors.NotFound("spec", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
