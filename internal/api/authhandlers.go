package api

import (
	"net/http"
)

// loginRequest is the body of POST /api/auth/login. auth_source is accepted
// for wire compatibility with the richer original auth surface but only
// "local" (the zero value) is supported; anything else is rejected.
type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	AuthSource string `json:"auth_source"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        any    `json:"user"`
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AuthSource != "" && req.AuthSource != "local" {
		h.writeError(w, http.StatusBadRequest, "auth_source must be \"local\"")
		return
	}

	session, user, err := h.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: session.Token,
		TokenType:   "bearer",
		User:        user,
	})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		if err := h.authSvc.Logout(r.Context(), token); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
