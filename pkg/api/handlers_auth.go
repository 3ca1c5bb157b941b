package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/convergence/pkg/cvgerr"
)

type bootstrapRequest struct {
	Handle      string  `json:"handle"`
	DisplayName *string `json:"display_name,omitempty"`
}

type bootstrapResponse struct {
	User  any    `json:"user"`
	Token string `json:"token"`
}

// handleBootstrap mints the server's first admin user. Only available
// when the daemon was started with a bootstrap secret, which the caller
// presents as its bearer token; one-shot, so a second call after any
// admin exists fails Conflict.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if s.bootstrapSecret == "" {
		writeError(w, cvgerr.NotFoundf("bootstrap is not enabled on this server"))
		return
	}
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+s.bootstrapSecret {
		writeUnauthorized(w, "bootstrap requires the server's bootstrap secret as bearer token")
		return
	}
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Handle == "" {
		writeError(w, cvgerr.Validationf("handle is required"))
		return
	}
	user, secret, _, err := s.identity.Bootstrap(req.Handle, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bootstrapResponse{User: user, Token: secret})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"user_id": user.ID,
		"admin":   user.Admin,
	})
}

type createUserRequest struct {
	Handle      string  `json:"handle"`
	DisplayName *string `json:"display_name,omitempty"`
	Admin       bool    `json:"admin,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.identity.CreateUser(req.Handle, req.DisplayName, req.Admin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.identity.ListUsers())
}

type createTokenRequest struct {
	Label     *string `json:"label,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

type createTokenResponse struct {
	Token string `json:"token"`
	Record any   `json:"record"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	secret, tok, err := s.identity.CreateToken(userID, req.Label, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createTokenResponse{Token: secret, Record: tok})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, s.identity.ListTokens(userID))
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	if err := s.identity.RevokeToken(tokenID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
