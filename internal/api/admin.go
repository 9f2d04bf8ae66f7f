package api

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"parley/internal/auth"
	"parley/internal/models"
	"parley/internal/ws"
)

type AdminHandler struct {
	authService *auth.AuthService
	hub         *ws.Hub
}

func NewAdminHandler(authService *auth.AuthService, hub *ws.Hub) *AdminHandler {
	return &AdminHandler{authService: authService, hub: hub}
}

type AddUserRequest struct {
	Username string `json:"username"`
	// Password is generated when empty.
	Password string `json:"password,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	// Password is only returned when it was generated.
	Password string `json:"password,omitempty"`
}

type OnlineResponse struct {
	UserIDs []string `json:"userIds"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: "Invalid request body"})
		return
	}
	if req.Username == "" {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: "Username is required"})
		return
	}

	password, generated := req.Password, false
	if password == "" {
		password, generated = rand.Text(), true
	}

	user, err := h.authService.Register(r.Context(), req.Username, password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, AddUserResponse{Message: "Failed to create user: " + err.Error()})
		return
	}

	slog.Info("user created by admin", "user_id", user.ID, "username", user.UserName)
	resp := AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.UserName,
	}
	if generated {
		resp.Password = password
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *AdminHandler) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OnlineResponse{UserIDs: h.hub.OnlineUserIDs()})
}
