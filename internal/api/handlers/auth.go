// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	apimiddleware "github.com/keygate/keygate/internal/api/middleware"
	"github.com/keygate/keygate/internal/auth"
	"github.com/keygate/keygate/internal/models"
)

type AuthHandler struct {
	authService *auth.Service
	userStore   *models.UserStore
}

func NewAuthHandler(authService *auth.Service, userStore *models.UserStore) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		userStore:   userStore,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.authService.Login(r.Context(), w, r, req.Username, req.Password)
	if err != nil {
		RespondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	RespondJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authService.Logout(w, r); err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := apimiddleware.UserFromContext(r.Context())
	if user == nil {
		RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	RespondJSON(w, http.StatusOK, user)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := apimiddleware.UserFromContext(r.Context())
	if user == nil {
		RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		RespondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	ok, err := auth.VerifyPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil || !ok {
		RespondError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	if err := h.userStore.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}
