package api

import (
	"net/http"
)

// dbConfigCategory is the repository.Config category backing /api/db.
const dbConfigCategory = "database"

// dbConfigFields is the fixed set of keys /api/db exposes.
var dbConfigFields = []string{
	"DB_TYPE", "PG_HOST", "PG_PORT", "PG_DB", "PG_SCHEMA", "PG_USER", "PG_PWD",
	"USE_MANAGED_IDENTITY", "PG_MANAGED_IDENTITY_USER",
}

// GetDBConfig handles GET /api/db. PG_PWD is never returned.
func (h *Handler) GetDBConfig(w http.ResponseWriter, r *http.Request) {
	values, err := h.repo.ListConfig(r.Context(), dbConfigCategory)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	delete(values, "PG_PWD")
	h.writeJSON(w, http.StatusOK, values)
}

// SetDBConfig handles PUT /api/db. It persists the supplied fields; it does
// not itself reconnect the running Repository to a different backend —
// that requires a process restart, same as the monitoring interval's
// no-hot-swap-for-structural-changes rule.
func (h *Handler) SetDBConfig(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for _, field := range dbConfigFields {
		if v, ok := req[field]; ok {
			if err := h.repo.SetConfig(r.Context(), dbConfigCategory, field, v); err != nil {
				h.handleError(w, r, err)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// InitializeDB handles POST /api/db/initialize: validates the persisted
// configuration is complete enough to start a backend of the configured
// DB_TYPE; it does not store a ready flag or change the running backend.
func (h *Handler) InitializeDB(w http.ResponseWriter, r *http.Request) {
	dbType, err := h.repo.GetConfig(r.Context(), dbConfigCategory, "DB_TYPE")
	if err != nil || dbType == "" {
		h.writeError(w, http.StatusBadRequest, "DB_TYPE must be set before initializing")
		return
	}
	if dbType == "postgresql" {
		for _, field := range []string{"PG_HOST", "PG_DB", "PG_USER"} {
			if v, _ := h.repo.GetConfig(r.Context(), dbConfigCategory, field); v == "" {
				h.writeError(w, http.StatusBadRequest, field+" is required for postgresql")
				return
			}
		}
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "db_type": dbType})
}
