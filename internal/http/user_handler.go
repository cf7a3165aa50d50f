package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"panopticon/internal/auth"
)

// UserHandler serves the user endpoints.
type UserHandler struct {
	service *auth.Service
	logger  *slog.Logger
}

// NewUserHandler creates a handler.
func NewUserHandler(service *auth.Service, logger *slog.Logger) *UserHandler {
	return &UserHandler{service: service, logger: logger}
}

// externalID accepts a provider account id sent as a JSON string or number.
type externalID string

func (id *externalID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = externalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("provider id must be a string or a number")
	}
	*id = externalID(n.String())
	return nil
}

type upsertPayload struct {
	Provider  string     `json:"provider"`
	GitHubID  externalID `json:"github_id"`
	GoogleID  externalID `json:"google_id"`
	Login     string     `json:"login"`
	Email     string     `json:"email"`
	AvatarURL string     `json:"avatar_url"`
}

// Upsert handles POST /users.
func (h *UserHandler) Upsert(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var payload upsertPayload
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}

	user, err := h.service.Upsert(r.Context(), claims, auth.UpsertRequest{
		Provider:  payload.Provider,
		GitHubID:  string(payload.GitHubID),
		GoogleID:  string(payload.GoogleID),
		Login:     payload.Login,
		Email:     payload.Email,
		AvatarURL: payload.AvatarURL,
	})
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}

	view, err := h.service.View(r.Context(), *user)
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    view,
	})
}

// Me returns the authenticated user.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	user, err := h.service.CurrentUser(r.Context(), claims)
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}
	h.writeUser(w, r, *user)
}

// Get returns a user by id. Callers may only read their own record.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	id, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), claims, id)
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}
	h.writeUser(w, r, *user)
}

// Update changes the display name or avatar of the caller's own record.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	id, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	var changes auth.ProfileChanges
	if err := decodeJSONBody(w, r, &changes); err != nil {
		writeJSONError(w, err)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), claims, id, changes)
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}
	h.writeUser(w, r, *user)
}

func (h *UserHandler) writeUser(w http.ResponseWriter, r *http.Request, user auth.User) {
	view, err := h.service.View(r.Context(), user)
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
