package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/huddle-chat/huddle/internal/models"
	"github.com/huddle-chat/huddle/internal/store"
	"github.com/huddle-chat/huddle/internal/ws"
)

// UserHandler manages the user CRUD endpoints. Mutations are pushed to
// connected clients through the hub so the REST and realtime ingress paths
// stay consistent.
type UserHandler struct {
	Store *store.Store
	Hub   *ws.Hub
}

type CreateUserRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	JobTitle   string `json:"jobTitle,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

type CreateUserResponse struct {
	User         models.User `json:"user"`
	TempPassword string      `json:"tempPassword"`
}

type UpdateUserRequest struct {
	Name            *string `json:"name,omitempty"`
	Email           *string `json:"email,omitempty"`
	Role            *string `json:"role,omitempty"`
	Avatar          *string `json:"avatar,omitempty"`
	Department      *string `json:"department,omitempty"`
	JobTitle        *string `json:"jobTitle,omitempty"`
	Phone           *string `json:"phone,omitempty"`
	NeedsOnboarding *bool   `json:"needsOnboarding,omitempty"`
}

// ListUsers handles GET /api/users.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	doc := h.Store.Snapshot()
	users := make([]models.User, len(doc.Users))
	for i, u := range doc.Users {
		users[i] = u.Public()
	}
	sendJSON(w, http.StatusOK, users)
}

// CreateUser handles POST /api/users: the admin invite path. The server
// assigns the id and a temporary password; the invitee lands in onboarding.
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Name) == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "name and email are required"})
		return
	}

	tempPassword := generateTempPassword()
	hashed, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create user"})
		return
	}

	user, err := h.Store.CreateUser(models.User{
		Name:            strings.TrimSpace(req.Name),
		Email:           strings.TrimSpace(req.Email),
		Password:        string(hashed),
		Role:            req.Role,
		Status:          models.StatusOffline,
		NeedsOnboarding: true,
		Department:      req.Department,
		JobTitle:        req.JobTitle,
		Avatar:          req.Avatar,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.notify(ws.RefreshUserCreated, user.Public())
	sendJSON(w, http.StatusCreated, CreateUserResponse{User: user.Public(), TempPassword: tempPassword})
}

// UpdateUser handles PUT /api/users/{id}. The full-replace semantics reduce
// to a patch of every updatable field; credentials and status are managed by
// their own endpoints.
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	h.applyUpdate(w, r, true)
}

// PatchUser handles PATCH /api/users/{id}.
func (h *UserHandler) PatchUser(w http.ResponseWriter, r *http.Request) {
	h.applyUpdate(w, r, false)
}

func (h *UserHandler) applyUpdate(w http.ResponseWriter, r *http.Request, full bool) {
	id := chi.URLParam(r, "id")

	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if full && (req.Name == nil || req.Email == nil) {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "name and email are required"})
		return
	}

	user, err := h.Store.PatchUser(id, store.UserPatch{
		Name:            req.Name,
		Email:           req.Email,
		Role:            req.Role,
		Avatar:          req.Avatar,
		Department:      req.Department,
		JobTitle:        req.JobTitle,
		Phone:           req.Phone,
		NeedsOnboarding: req.NeedsOnboarding,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.notify(ws.RefreshUserUpdated, user.Public())
	sendJSON(w, http.StatusOK, user.Public())
}

// DeleteUser handles DELETE /api/users/{id}.
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Store.DeleteUser(id); err != nil {
		writeStoreError(w, err)
		return
	}

	h.notify(ws.RefreshUserDeleted, map[string]string{"id": id})
	sendJSON(w, http.StatusOK, map[string]string{"id": id})
}

// notify pushes a refresh-wrapped secondary event to all connected clients.
func (h *UserHandler) notify(kind string, payload any) {
	if h.Hub == nil {
		return
	}
	data, err := ws.MarshalRefresh(kind, payload)
	if err != nil {
		log.Printf("api: marshal %s: %v", kind, err)
		return
	}
	h.Hub.Broadcast(data)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrValidation):
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrDuplicate):
		sendJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrForbidden):
		sendJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	default:
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
